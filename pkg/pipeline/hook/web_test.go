package hook_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/opst/houseprice/pkg/pipeline/hook"
	"github.com/opst/houseprice/pkg/utils/try"
)

type Value struct {
	Content string `json:"content"`
}

type Resp struct {
	StatusCode  int
	ContentType string
	Content     string
}

func TestWebHook(t *testing.T) {
	type When struct {
		value Value
		resp1 Resp
		resp2 Resp
	}

	type Then struct {
		invoked1 bool
		invoked2 bool
		err      error
	}

	theory := func(after bool, when When, then Then) func(t *testing.T) {
		return func(t *testing.T) {
			handler := func(w http.ResponseWriter, r *http.Request, name string, resp Resp) {
				if r.Method != http.MethodPost {
					t.Errorf("%s: unexpected method: %s", name, r.Method)
				}
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("%s: unexpected Content-Type: %s", name, ct)
				}

				var got Value
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("%s: unexpected error: %v", name, err)
				}
				if got != when.value {
					t.Errorf("%s: Expected: %v, Got: %v", name, when.value, got)
				}

				if resp.ContentType != "" {
					w.Header().Set("Content-Type", resp.ContentType)
				}
				w.WriteHeader(resp.StatusCode)
				if resp.Content != "" {
					w.Write([]byte(resp.Content))
				}
			}

			invoked1, invoked2 := false, false
			server1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				invoked1 = true
				handler(w, r, "server1", when.resp1)
			}))
			defer server1.Close()

			server2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				invoked2 = true
				handler(w, r, "server2", when.resp2)
			}))
			defer server2.Close()

			urls := []*url.URL{
				try.To(url.Parse(server1.URL)).OrFatal(t),
				try.To(url.Parse(server2.URL)).OrFatal(t),
			}
			var err error
			if after {
				err = hook.Web[Value]{AfterURL: urls}.After(context.Background(), when.value)
			} else {
				err = hook.Web[Value]{BeforeURL: urls}.Before(context.Background(), when.value)
			}

			if !errors.Is(err, then.err) {
				t.Errorf("Want: %v, Got: %v", then.err, err)
			}
			if invoked1 != then.invoked1 {
				t.Errorf("server1: Want: %v, Got: %v", then.invoked1, invoked1)
			}
			if invoked2 != then.invoked2 {
				t.Errorf("server2: Want: %v, Got: %v", then.invoked2, invoked2)
			}
		}
	}

	for _, after := range []bool{false, true} {
		name := "Before"
		if after {
			name = "After"
		}
		t.Run(name, func(t *testing.T) {
			t.Run("Success All", theory(
				after,
				When{
					value: Value{Content: "hello"},
					resp1: Resp{StatusCode: http.StatusOK, ContentType: "application/json", Content: `{"a": "1"}`},
					resp2: Resp{StatusCode: http.StatusNoContent},
				},
				Then{invoked1: true, invoked2: true},
			))

			t.Run("Fail First", theory(
				after,
				When{
					value: Value{Content: "hello"},
					resp1: Resp{StatusCode: http.StatusNotFound},
					resp2: Resp{StatusCode: http.StatusOK},
				},
				Then{invoked1: true, invoked2: false, err: hook.ErrHookFailed},
			))

			t.Run("Fail Second", theory(
				after,
				When{
					value: Value{Content: "hello"},
					resp1: Resp{StatusCode: http.StatusOK},
					resp2: Resp{StatusCode: http.StatusInternalServerError, ContentType: "text/plain", Content: "broken"},
				},
				Then{invoked1: true, invoked2: true, err: hook.ErrHookFailed},
			))
		})
	}
}

func TestWebHook_Sends_InvalidUrl(t *testing.T) {
	testee := hook.Web[string]{
		BeforeURL: []*url.URL{
			try.To(url.Parse("http://somewhere.invalid")).OrFatal(t),
		},
	}

	err := testee.Before(context.Background(), "hello")
	if !errors.Is(err, hook.ErrHookFailed) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFunc(t *testing.T) {
	expected := errors.New("nope")
	testee := hook.Func[string]{
		BeforeFn: func(context.Context, string) error { return expected },
	}
	err := testee.Before(context.Background(), "x")
	if !errors.Is(err, expected) || !errors.Is(err, hook.ErrHookFailed) {
		t.Errorf("unexpected error: %v", err)
	}
	if err := testee.After(context.Background(), "x"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
