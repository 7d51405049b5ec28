package fingerprint

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/questora/server/internal/model"
)

const unknown = "Unknown"

// Fingerprinter derives device and network context from an incoming
// request. It must degrade to "Unknown" values instead of failing.
type Fingerprinter interface {
	FromRequest(r *http.Request) model.DeviceContext
}

// GeoResolver maps an IP address to an approximate location. Best effort;
// errors mean the context keeps its Unknown placeholders.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (city, country string, err error)
}

// HTTPFingerprinter reads the user agent plus optional client-hint headers
// (X-Device-ID, X-Screen, X-Locale, X-Timezone) and resolves location via
// an injected GeoResolver.
type HTTPFingerprinter struct {
	geo GeoResolver
}

// New creates an HTTPFingerprinter. geo may be nil to skip location lookup.
func New(geo GeoResolver) *HTTPFingerprinter {
	return &HTTPFingerprinter{geo: geo}
}

func (f *HTTPFingerprinter) FromRequest(r *http.Request) model.DeviceContext {
	ua := r.UserAgent()
	browser := browserFromUA(ua)
	osName := osFromUA(ua)
	deviceType := deviceTypeFromUA(ua)

	devCtx := model.DeviceContext{
		DeviceID:   headerOr(r, "X-Device-ID", ""),
		DeviceType: deviceType,
		Browser:    browser,
		OS:         osName,
		Screen:     headerOr(r, "X-Screen", unknown),
		Locale:     localeFromRequest(r),
		Timezone:   headerOr(r, "X-Timezone", unknown),
		IP:         clientIP(r),
		City:       unknown,
		Country:    unknown,
	}
	// A missing client device id falls back to a deterministic key derived
	// from the origin, so repeat logins from the same client resolve to the
	// same DeviceRecord and session roster.
	if devCtx.DeviceID == "" {
		devCtx.DeviceID = derivedDeviceID(devCtx)
	}
	devCtx.DeviceName = deviceName(browser, osName)

	if f.geo != nil && devCtx.IP != "" && !isPrivateIP(devCtx.IP) {
		lookupCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if city, country, err := f.geo.Resolve(lookupCtx, devCtx.IP); err == nil {
			if city != "" {
				devCtx.City = city
			}
			if country != "" {
				devCtx.Country = country
			}
		}
	}

	return devCtx
}

// deviceNamespace salts derived device ids so they cannot collide with
// client-supplied uuids for other hash inputs.
var deviceNamespace = uuid.MustParse("5f2d9e47-8e1a-4b53-9c6d-0a7e3b21f4c8")

func derivedDeviceID(devCtx model.DeviceContext) string {
	seed := strings.Join([]string{
		devCtx.IP, devCtx.Browser, devCtx.OS, devCtx.Screen, devCtx.Locale, devCtx.Timezone,
	}, "|")
	return uuid.NewSHA1(deviceNamespace, []byte(seed)).String()
}

func deviceName(browser, osName string) string {
	if browser == unknown && osName == unknown {
		return unknown
	}
	if browser == unknown {
		return osName
	}
	if osName == unknown {
		return browser
	}
	return browser + " on " + osName
}

func headerOr(r *http.Request, name, fallback string) string {
	if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
		return v
	}
	return fallback
}

func localeFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Locale")); v != "" {
		return v
	}
	accept := r.Header.Get("Accept-Language")
	if accept == "" {
		return unknown
	}
	first := strings.TrimSpace(strings.SplitN(accept, ",", 2)[0])
	if idx := strings.IndexByte(first, ';'); idx >= 0 {
		first = first[:idx]
	}
	if first == "" {
		return unknown
	}
	return first
}

func browserFromUA(ua string) string {
	switch {
	case ua == "":
		return unknown
	case strings.Contains(ua, "Edg/"):
		return "Edge"
	case strings.Contains(ua, "OPR/") || strings.Contains(ua, "Opera"):
		return "Opera"
	case strings.Contains(ua, "Firefox/"):
		return "Firefox"
	case strings.Contains(ua, "Chrome/"):
		return "Chrome"
	case strings.Contains(ua, "Safari/"):
		return "Safari"
	default:
		return unknown
	}
}

func osFromUA(ua string) string {
	switch {
	case ua == "":
		return unknown
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad"):
		return "iOS"
	case strings.Contains(ua, "Mac OS X") || strings.Contains(ua, "Macintosh"):
		return "macOS"
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	default:
		return unknown
	}
}

func deviceTypeFromUA(ua string) string {
	switch {
	case ua == "":
		return unknown
	case strings.Contains(ua, "iPad") || strings.Contains(ua, "Tablet"):
		return "tablet"
	case strings.Contains(ua, "Mobile") || strings.Contains(ua, "iPhone") || strings.Contains(ua, "Android"):
		return "mobile"
	default:
		return "desktop"
	}
}

// clientIP extracts the client IP, preferring X-Forwarded-For.
func clientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsUnspecified()
}

// IPAPIResolver resolves locations through the public ip-api.com JSON
// endpoint.
type IPAPIResolver struct {
	client  *http.Client
	baseURL string
}

// NewIPAPIResolver creates a resolver with a short-timeout HTTP client.
func NewIPAPIResolver() *IPAPIResolver {
	return &IPAPIResolver{
		client:  &http.Client{Timeout: 3 * time.Second},
		baseURL: "http://ip-api.com/json",
	}
}

func (g *IPAPIResolver) Resolve(ctx context.Context, ip string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/"+ip+"?fields=status,city,country", nil)
	if err != nil {
		return "", "", fmt.Errorf("build geo request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("geo lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("geo lookup status %d", resp.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		City    string `json:"city"`
		Country string `json:"country"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("decode geo response: %w", err)
	}
	if body.Status != "success" {
		return "", "", fmt.Errorf("geo lookup failed for ip")
	}
	return body.City, body.Country, nil
}
