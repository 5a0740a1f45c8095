package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"tenantgate/internal/app/server"
	"tenantgate/internal/tenant"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	colorBold  = color.New(color.Bold).SprintFunc()
	colorGreen = color.New(color.FgGreen).SprintFunc()
	colorRed   = color.New(color.FgRed).SprintFunc()
)

var tenantsJSON bool

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Inspect the tenant directory",
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants from the central database",
	RunE:  runTenantsList,
}

func init() {
	tenantsListCmd.Flags().BoolVar(&tenantsJSON, "json", false, "Print JSON instead of a table")
	tenantsCmd.AddCommand(tenantsListCmd)
}

func runTenantsList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	descs, err := server.ListTenants(ctx, cfg)
	if err != nil {
		return err
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })

	if tenantsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	}
	renderTenants(cmd.OutOrStdout(), descs)
	return nil
}

// renderTenants 以表格输出，未就绪的租户显示原因
func renderTenants(w io.Writer, descs []tenant.Descriptor) {
	t := newTable("ID", "SLUG", "STATUS", "ISOLATION KEY", "READY")
	for _, d := range descs {
		ready := colorGreen("yes")
		if reason := d.NotReadyReason(); reason != "" {
			ready = colorRed(reason)
		}
		t.addRow(d.ID, d.Slug, string(d.Status), d.IsolationKey, ready)
	}
	t.render(w)
	fmt.Fprintf(w, "\n%d tenants\n", len(descs))
}

type table struct {
	headers []string
	rows    [][]string
	widths  []int
}

func newTable(headers ...string) *table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &table{headers: headers, widths: widths}
}

func (t *table) addRow(cols ...string) {
	for i, col := range cols {
		if i < len(t.widths) && len(col) > t.widths[i] {
			t.widths[i] = len(col)
		}
	}
	t.rows = append(t.rows, cols)
}

func (t *table) render(w io.Writer) {
	for i, h := range t.headers {
		fmt.Fprintf(w, "%-*s  ", t.widths[i], h)
	}
	fmt.Fprintln(w)

	total := 0
	for _, width := range t.widths {
		total += width + 2
	}
	fmt.Fprintln(w, colorBold(strings.Repeat("─", min(total, 120))))

	for _, row := range t.rows {
		for i, col := range row {
			if i < len(t.widths) {
				fmt.Fprintf(w, "%-*s  ", t.widths[i], col)
			}
		}
		fmt.Fprintln(w)
	}
}
