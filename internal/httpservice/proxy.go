package httpservice

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	coreerrors "tenantgate/internal/core/errors"
)

// TrustedProxies 受信任的反向代理网段，只有来自这些地址的请求才读取转发头
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies 解析 CIDR 或单个 IP
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	t := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, coreerrors.Wrapf(err, coreerrors.CodeInvalidParam, "invalid trusted proxy %q", entry)
			}
			t.prefixes = append(t.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, coreerrors.Wrapf(err, coreerrors.CodeInvalidParam, "invalid trusted proxy %q", entry)
		}
		addr = addr.Unmap()
		t.prefixes = append(t.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return t, nil
}

// Trusts reports whether ip belongs to a trusted proxy; nil trusts nobody
func (t *TrustedProxies) Trusts(ip string) bool {
	if t == nil || len(t.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP 直连地址不受信任时直接返回它；否则从右向左跳过受信任的
// X-Forwarded-For 跳数，其次 X-Real-IP
func (t *TrustedProxies) ClientIP(r *http.Request) string {
	remote := remoteHost(r)
	if !t.Trusts(remote) {
		return remote
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			break
		}
		ip := addr.Unmap().String()
		if !t.Trusts(ip) || i == 0 {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		if addr, err := netip.ParseAddr(realIP); err == nil {
			return addr.Unmap().String()
		}
	}
	return remote
}

// ClientIP 不信任任何代理，返回直连地址
func ClientIP(r *http.Request) string {
	return (*TrustedProxies)(nil).ClientIP(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
