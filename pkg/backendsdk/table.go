package backendsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Cond is one column filter in the backend's operator syntax, e.g.
// {"id", "eq.42"} or {"full_name", "not.is.null"}.
type Cond struct {
	Column string
	Expr   string
}

// Filter is an ordered conjunction of conditions.
type Filter []Cond

// Where starts a filter.
func Where(column, expr string) Filter {
	return Filter{{Column: column, Expr: expr}}
}

// And appends a condition.
func (f Filter) And(column, expr string) Filter {
	return append(f, Cond{Column: column, Expr: expr})
}

// Eq formats an equality expression for Where/And.
func Eq(v any) string {
	return "eq." + fmt.Sprint(v)
}

func (f Filter) query() url.Values {
	q := url.Values{}
	for _, c := range f {
		q.Add(c.Column, c.Expr)
	}
	return q
}

// Rows is the row read/write capability scoped by row-access policy. Every
// failure is a *Error with a machine-readable code: CodeNotFound for absent
// rows, CodeAccessDenied for policy rejections, CodeUndefinedTable when the
// application schema is missing.
//
// *Client implements Rows; services accept the interface so tests can swap
// in fakes.
type Rows interface {
	SelectOne(ctx context.Context, table string, filter Filter, dest any) error
	SelectAll(ctx context.Context, table string, filter Filter, dest any) error
	Insert(ctx context.Context, table string, row any, dest any) error
	Update(ctx context.Context, table string, filter Filter, patch any, dest any) error
	Count(ctx context.Context, table string, filter Filter) (int64, error)
}

var _ Rows = (*Client)(nil)

// SelectOne fetches the single row matching filter into dest. Zero matches is
// CodeNotFound; the backend reports policy-hidden rows the same way, except
// when it chooses to surface CodeAccessDenied, which propagates distinctly.
func (c *Client) SelectOne(ctx context.Context, table string, filter Filter, dest any) error {
	q := filter.query()
	q.Set("limit", "1")

	body, err := c.doJSON(ctx, http.MethodGet, "/rest/v1/"+table, q, nil, nil)
	if err != nil {
		return err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return &Error{Code: CodeServerError, Message: "malformed row response"}
	}
	if len(rows) == 0 {
		return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: "row not found in " + table}
	}
	if err := json.Unmarshal(rows[0], dest); err != nil {
		return &Error{Code: CodeServerError, Message: "malformed row in " + table + ": " + err.Error()}
	}
	return nil
}

// SelectAll fetches every row matching filter into dest (a pointer to a
// slice). An empty result is a valid, empty slice, not an error.
func (c *Client) SelectAll(ctx context.Context, table string, filter Filter, dest any) error {
	body, err := c.doJSON(ctx, http.MethodGet, "/rest/v1/"+table, filter.query(), nil, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &Error{Code: CodeServerError, Message: "malformed row response from " + table}
	}
	return nil
}

// Insert writes row and, when dest is non-nil, decodes the stored
// representation (with backend-assigned timestamps) back into dest.
func (c *Client) Insert(ctx context.Context, table string, row any, dest any) error {
	headers := map[string]string{"Prefer": "return=representation"}

	body, err := c.doJSON(ctx, http.MethodPost, "/rest/v1/"+table, nil, headers, row)
	if err != nil {
		return err
	}
	if dest == nil {
		return nil
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
		return &Error{Code: CodeServerError, Message: "insert into " + table + " returned no representation"}
	}
	if err := json.Unmarshal(rows[0], dest); err != nil {
		return &Error{Code: CodeServerError, Message: "malformed row in " + table + ": " + err.Error()}
	}
	return nil
}

// Update applies patch to the rows matching filter. Zero matched rows is
// CodeNotFound so callers can distinguish a stale id from success. When dest
// is non-nil the first updated row is decoded into it.
func (c *Client) Update(ctx context.Context, table string, filter Filter, patch any, dest any) error {
	headers := map[string]string{"Prefer": "return=representation"}

	body, err := c.doJSON(ctx, http.MethodPatch, "/rest/v1/"+table, filter.query(), headers, patch)
	if err != nil {
		return err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return &Error{Code: CodeServerError, Message: "malformed row response from " + table}
	}
	if len(rows) == 0 {
		return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: "update matched no rows in " + table}
	}
	if dest != nil {
		if err := json.Unmarshal(rows[0], dest); err != nil {
			return &Error{Code: CodeServerError, Message: "malformed row in " + table + ": " + err.Error()}
		}
	}
	return nil
}

// Count returns the number of rows matching filter without transferring them.
func (c *Client) Count(ctx context.Context, table string, filter Filter) (int64, error) {
	q := filter.query()
	q.Set("select", "id")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/rest/v1/"+table, q), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	if s := c.currentSession(); s.Valid() {
		req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Prefer", "count=exact")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, parseErrorResponse(resp.StatusCode, nil)
	}

	return parseContentRange(resp.Header.Get("Content-Range"))
}

// parseContentRange extracts the total from a "0-0/42" style header.
func parseContentRange(header string) (int64, error) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return 0, &Error{Code: CodeServerError, Message: "count response missing Content-Range"}
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, &Error{Code: CodeServerError, Message: "count response did not include an exact count"}
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, &Error{Code: CodeServerError, Message: "malformed Content-Range: " + header}
	}
	return n, nil
}
