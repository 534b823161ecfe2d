package sse

import (
	"bufio"
	"context"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forattini-dev/raffel-sub005"
)

// TestServeHTTP_ClientDisconnectAbortsContext is the §8 boundary behaviour:
// when an SSE client disconnects mid-stream, the request Context is aborted
// and the streaming handler observes ctx.Done() instead of running forever.
func TestServeHTTP_ClientDisconnectAbortsContext(t *testing.T) {
	stopped := make(chan struct{})

	reg := raffel.NewRegistry()
	_ = reg.Register(&raffel.HandlerDef{
		Name: "ticker",
		Kind: raffel.KindStream,
		Handler: func(ctx *raffel.Context, payload any) (any, iter.Seq2[any, error], error) {
			seq := func(yield func(any, error) bool) {
				i := 0
				for {
					select {
					case <-ctx.Done():
						close(stopped)
						return
					default:
					}
					i++
					if !yield(i, nil) {
						return
					}
					time.Sleep(2 * time.Millisecond)
				}
			}
			return nil, seq, nil
		},
	})
	rt := raffel.NewRouter(reg)
	a := New(rt, Config{})

	ts := httptest.NewServer(http.HandlerFunc(a.ServeHTTP))
	defer ts.Close()

	reqCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ts.URL+"/streams/ticker", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	if !scanner.Scan() {
		t.Fatal("expected at least one SSE line before disconnecting")
	}

	cancel()
	resp.Body.Close()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the streaming handler to observe ctx.Done() after client disconnect")
	}
}

func TestServeHTTP_MissingStreamNameIsBadRequest(t *testing.T) {
	rt := raffel.NewRouter(raffel.NewRegistry())
	a := New(rt, Config{})

	ts := httptest.NewServer(http.HandlerFunc(a.ServeHTTP))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/streams/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestServeHTTP_UnknownProcedureEmitsErrorEvent(t *testing.T) {
	rt := raffel.NewRouter(raffel.NewRegistry())
	a := New(rt, Config{})

	ts := httptest.NewServer(http.HandlerFunc(a.ServeHTTP))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/streams/missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) >= 2 {
			break
		}
	}
	if len(lines) == 0 || lines[0] != "event: error" {
		t.Fatalf("expected the first SSE frame to be an error event, got %v", lines)
	}
}
