package authz

import (
	"net/netip"

	"github.com/oschwald/maxminddb-golang/v2"
)

// MMDBLookup is the GeoLookup backed by a MaxMind GeoLite2/GeoIP2 country
// database, adapted from the ingress-level geo middleware's own mmdb reader
// down to the one field the authorization resolver needs (ISO country code).
type MMDBLookup struct {
	db *maxminddb.Reader
}

// OpenMMDB opens the database at path for country lookups.
func OpenMMDB(path string) (*MMDBLookup, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &MMDBLookup{db: db}, nil
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// CountryCode resolves ip to its ISO country code.
func (m *MMDBLookup) CountryCode(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	var rec countryRecord
	if err := m.db.Lookup(addr).Decode(&rec); err != nil || rec.Country.ISOCode == "" {
		return "", false
	}
	return rec.Country.ISOCode, true
}

// Close releases the underlying database file.
func (m *MMDBLookup) Close() error { return m.db.Close() }
