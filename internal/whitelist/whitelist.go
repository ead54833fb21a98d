// Package whitelist loads the server whitelist the gateway will bridge
// to: a small, process-wide, read-only-after-startup JSON file.
package whitelist

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
)

// Entry is one whitelisted Mumble server.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  struct {
		RejectUnauthorized *bool `json:"rejectUnauthorized"`
	} `json:"tls"`
}

// Addr is the host:port pair mumbleclient.Dial expects.
func (e Entry) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// TLSConfig builds the *tls.Config to dial this server with.
// rejectUnauthorized defaults to true; false is only meant for
// self-signed test servers.
func (e Entry) TLSConfig() *tls.Config {
	insecure := e.TLS.RejectUnauthorized != nil && !*e.TLS.RejectUnauthorized
	return &tls.Config{InsecureSkipVerify: insecure}
}

type document struct {
	Servers []Entry `json:"servers"`
}

// List is the resolved, immutable set of whitelisted servers.
type List struct {
	byID map[string]Entry
	all  []Entry
}

// Load reads and parses the whitelist file at path.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("whitelist: read %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("whitelist: parse %s: %w", path, err)
	}

	l := &List{byID: make(map[string]Entry, len(doc.Servers)), all: doc.Servers}
	for _, e := range doc.Servers {
		l.byID[e.ID] = e
	}
	return l, nil
}

// Resolve looks up a server by its whitelist id.
func (l *List) Resolve(id string) (Entry, bool) {
	e, ok := l.byID[id]
	return e, ok
}

// All returns every whitelisted entry, in file order.
func (l *List) All() []Entry {
	return l.all
}
