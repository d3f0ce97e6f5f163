package classify

import (
	"log/slog"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoResolver maps request IPs to ISO country codes using a local
// MaxMind database. It is optional; without a database the banned-geo
// signal simply never fires.
type GeoResolver struct {
	reader *geoip2.Reader
}

// OpenGeoResolver opens the database at path. An empty path returns a
// nil resolver, which Country treats as "unknown".
func OpenGeoResolver(path string) (*GeoResolver, error) {
	if path == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoResolver{reader: reader}, nil
}

// Country returns the ISO country code for a host:port or bare IP
// address, or "" when it cannot be resolved.
func (g *GeoResolver) Country(remoteAddr string) string {
	if g == nil || g.reader == nil {
		return ""
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	rec, err := g.reader.Country(ip)
	if err != nil {
		slog.Debug("geo lookup failed", "addr", host, "error", err)
		return ""
	}
	return rec.Country.IsoCode
}

// Close releases the database handle.
func (g *GeoResolver) Close() error {
	if g == nil || g.reader == nil {
		return nil
	}
	return g.reader.Close()
}
