// Package directory queries the grid information system (BDII) over LDAP.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// DefaultBase is the search base of the Glue schema tree.
const DefaultBase = "o=grid"

// Query is one directory search.
type Query struct {
	Filter     string
	Attributes []string
	URI        string
	TimeLimit  time.Duration
}

// Entry is one result row.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// First returns the first value of attr, or "".
func (e Entry) First(attr string) string {
	if vals := e.Attributes[attr]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// QueryError describes a failed query. Empty is set when the search
// succeeded but returned nothing.
type QueryError struct {
	Empty   bool
	Message string
	Detail  string
}

func (e *QueryError) Error() string {
	if e.Detail == "" {
		return e.Message
	}
	return e.Message + ": " + e.Detail
}

// IsEmpty reports whether err is a *QueryError for an empty result set.
func IsEmpty(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Empty
}

// Querier runs directory searches.
type Querier interface {
	Query(ctx context.Context, q Query) ([]Entry, error)
}

// LDAP queries a BDII with go-ldap.
type LDAP struct {
	Base string
}

// NewLDAP returns a querier searching below base, or DefaultBase.
func NewLDAP(base string) *LDAP {
	if base == "" {
		base = DefaultBase
	}
	return &LDAP{Base: base}
}

// Query connects to q.URI, searches the whole subtree and closes the
// connection. The connection is torn down as soon as ctx ends.
func (l *LDAP) Query(ctx context.Context, q Query) ([]Entry, error) {
	uri := NormalizeURI(q.URI)
	dialer := &net.Dialer{Timeout: q.TimeLimit}

	slog.Debug("querying directory", "uri", uri, "filter", q.Filter, "attributes", q.Attributes, "time_limit", q.TimeLimit)

	conn, err := ldap.DialURL(uri, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, &QueryError{Message: "Unable to connect to " + uri, Detail: err.Error()}
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if q.TimeLimit > 0 {
		conn.SetTimeout(q.TimeLimit)
	}

	req := ldap.NewSearchRequest(
		l.Base,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		int(q.TimeLimit/time.Second),
		false,
		q.Filter,
		q.Attributes,
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &QueryError{Message: "Query to " + uri + " cancelled", Detail: ctx.Err().Error()}
		}
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, emptyResult(uri, q.Filter)
		}
		return nil, &QueryError{Message: "Query to " + uri + " failed", Detail: err.Error()}
	}
	if len(res.Entries) == 0 {
		return nil, emptyResult(uri, q.Filter)
	}

	entries := make([]Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		attrs := make(map[string][]string, len(e.Attributes))
		for _, a := range e.Attributes {
			attrs[a.Name] = a.Values
		}
		entries = append(entries, Entry{DN: e.DN, Attributes: attrs})
	}
	return entries, nil
}

func emptyResult(uri, filter string) *QueryError {
	return &QueryError{
		Empty:   true,
		Message: fmt.Sprintf("No information for [%s] in %s", filter, uri),
	}
}

// DefaultPort is the standard BDII port.
const DefaultPort = "2170"

// NormalizeURI accepts [ldap://]host[:port][/] and returns
// ldap://host:port, defaulting the port to 2170.
func NormalizeURI(uri string) string {
	scheme := "ldap"
	rest := uri
	if i := strings.Index(uri, "://"); i >= 0 {
		scheme = uri[:i]
		rest = uri[i+3:]
	}
	rest = strings.TrimRight(rest, "/")
	if _, _, err := net.SplitHostPort(rest); err != nil {
		rest = net.JoinHostPort(strings.Trim(rest, "[]"), DefaultPort)
	}
	return scheme + "://" + rest
}
