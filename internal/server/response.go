package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/qrelscope/qrelscope/internal/pkg/errors"
	"github.com/qrelscope/qrelscope/internal/store"
)

// maxBodyBytes bounds a JSON request body.
const maxBodyBytes = 256 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// headers are already sent; nothing useful to do with an encode error
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if err == io.EOF {
			return errors.MalformedError("request body is empty")
		}
		return errors.MalformedError("invalid request body").WithDetail("reason", err.Error())
	}
	return nil
}

// requiredParam returns a query parameter that must be present.
func requiredParam(q url.Values, name string) (string, error) {
	v := q.Get(name)
	if v == "" {
		return "", errors.MalformedError(fmt.Sprintf("missing query parameter %s", name)).
			WithDetail("parameter", name)
	}
	return v, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.MalformedError(fmt.Sprintf("query parameter %s must be an integer", name)).
			WithDetail(name, v)
	}
	return n, nil
}

func boolParam(q url.Values, name string, def bool) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.MalformedError(fmt.Sprintf("query parameter %s must be a boolean", name)).
			WithDetail(name, v)
	}
	return b, nil
}

// listing holds the pagination and ordering parameters shared by listings.
type listing struct {
	limit   int
	offset  int
	orderBy store.OrderBy
	desc    bool
}

// parseListing reads num_results, offset, order_by and order_by_desc.
// Ordering is descending unless order_by_desc says otherwise.
func parseListing(q url.Values, allowed []store.OrderBy) (listing, error) {
	var l listing
	var err error
	if l.limit, err = intParam(q, "num_results", 0); err != nil {
		return l, err
	}
	if l.offset, err = intParam(q, "offset", 0); err != nil {
		return l, err
	}
	if l.orderBy, err = store.ParseOrderBy(q.Get("order_by"), allowed); err != nil {
		return l, err
	}
	if l.desc, err = boolParam(q, "order_by_desc", true); err != nil {
		return l, err
	}
	return l, nil
}
