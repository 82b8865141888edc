// internal/server/ip.go
package server

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// Client IP
//
// relay 는 보통 ALB / CloudFront 뒤에 있으므로 RemoteAddr 는
// 브라우저 주소가 아닌 경우가 대부분이다.
// 아래 함수들은 forwarding 헤더에서 가장 믿을 만한 public IP 를 고른다.
// ------------------------------------------------------------

// isPublicIP 는 private / loopback / link-local / unspecified 를 거른다.
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// clientIP 우선순위:
//  1. X-Forwarded-For 의 첫 번째 public 주소
//  2. CloudFront-Viewer-Address (port 제거)
//  3. RemoteAddr
//
// 셋 다 public 이 아니면 "" 를 반환한다.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// "203.0.113.1, 10.0.1.24"
		for _, part := range strings.Split(xff, ",") {
			if ip := safeParseIP(part); isPublicIP(ip) {
				return ip.String()
			}
		}
	}

	// "203.0.113.55:44321" or "2404:6800:4004::200e:44321"
	if cf := r.Header.Get("CloudFront-Viewer-Address"); cf != "" {
		host := cf
		if i := strings.LastIndex(cf, ":"); i != -1 {
			host = cf[:i]
		}
		if ip := safeParseIP(host); isPublicIP(ip) {
			return ip.String()
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip := safeParseIP(host); isPublicIP(ip) {
			return ip.String()
		}
	}
	return ""
}
