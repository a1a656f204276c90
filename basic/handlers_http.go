package basic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/parleyops/parley"
)

func registerHTTP(reg *Registry, rt *Runtime) {
	reg.Register(OpHTTPGet, httpVerb(rt, http.MethodGet))
	reg.Register(OpHTTPPost, httpVerb(rt, http.MethodPost))
	reg.Register(OpHTTPPut, httpVerb(rt, http.MethodPut))
	reg.Register(OpHTTPPatch, httpVerb(rt, http.MethodPatch))
	reg.Register(OpHTTPDelete, httpVerb(rt, http.MethodDelete))

	reg.Register(OpSetHeader, func(_ context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		ex.Header(args[0].Text(), args[1].Text())
		return parley.Null, nil
	})
	reg.Register(OpClearHeaders, func(_ context.Context, ex *Execution, _ []parley.Value) (parley.Value, error) {
		ex.ClearHeaders()
		return parley.Null, nil
	})
}

// httpVerb wraps one outbound HTTP method. The response body comes
// back as a parsed Value when it is JSON, else as plain text.
func httpVerb(rt *Runtime, method string) Handler {
	return func(ctx context.Context, ex *Execution, args []parley.Value) (parley.Value, error) {
		url := args[0].Text()
		var body io.Reader
		contentType := ""
		if len(args) > 1 && !args[1].IsNull() {
			switch args[1].Kind() {
			case parley.KindMap, parley.KindArray:
				raw, err := args[1].JSON()
				if err != nil {
					return parley.Null, fmt.Errorf("encode request body: %w", err)
				}
				body = bytes.NewReader(raw)
				contentType = "application/json"
			default:
				body = strings.NewReader(args[1].Text())
				contentType = "text/plain"
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return parley.Null, fmt.Errorf("build request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for name, value := range ex.Headers() {
			req.Header.Set(name, value)
		}

		resp, err := rt.HTTPClient().Do(req)
		if err != nil {
			return parley.Null, fmt.Errorf("%s %s: %w", method, url, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return parley.Null, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return parley.Null, fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
		}
		if v, err := parley.FromJSON(data); err == nil {
			return v, nil
		}
		return parley.S(strings.TrimSpace(string(data))), nil
	}
}
