package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/visits?"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{"", Params{Limit: DefaultLimit, Offset: 0}},
		{"limit=5&offset=10", Params{Limit: 5, Offset: 10}},
		{"limit=abc&offset=xyz", Params{Limit: DefaultLimit, Offset: 0}},
		{"limit=500", Params{Limit: MaxLimit, Offset: 0}},
		{"limit=0", Params{Limit: DefaultLimit, Offset: 0}},
		{"offset=-3", Params{Limit: DefaultLimit, Offset: 0}},
		{"status=triaged&limit=2", Params{Limit: 2, Offset: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := paramsFor(tt.query); got != tt.want {
				t.Errorf("FromContext(%q) = %+v, want %+v", tt.query, got, tt.want)
			}
		})
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 20, Offset: 10}
	if !p.HasNext(31) || p.HasNext(30) {
		t.Error("HasNext must be true only while rows remain past this page")
	}
	if !p.HasPrevious() || (Params{Limit: 20}).HasPrevious() {
		t.Error("HasPrevious must follow the offset")
	}
	if p.NextOffset() != 30 {
		t.Errorf("NextOffset = %d, want 30", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("PreviousOffset must clamp at 0, got %d", p.PreviousOffset())
	}
	if (Params{Limit: 20, Offset: 45}).PreviousOffset() != 25 {
		t.Error("PreviousOffset should step back one page")
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	if r := NewResponse([]int{1, 2}, 3, 2, 0); !r.HasMore {
		t.Error("expected more rows after the first page")
	}
	if r := NewResponse([]int{3}, 3, 2, 2); r.HasMore {
		t.Error("last page must not report more rows")
	}
}

func TestResponse_WithLinks(t *testing.T) {
	u, _ := url.Parse("/api/v1/visits?status=triaged&limit=10&offset=10")
	tests := []struct {
		name           string
		total, offset  int
		next, previous string
	}{
		{"first page", 25, 0, "/api/v1/visits?limit=10&offset=10&status=triaged", ""},
		{"middle page", 25, 10, "/api/v1/visits?limit=10&offset=20&status=triaged", "/api/v1/visits?limit=10&offset=0&status=triaged"},
		{"last page", 25, 20, "", "/api/v1/visits?limit=10&offset=10&status=triaged"},
		{"no results", 0, 0, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResponse(nil, tt.total, 10, tt.offset).WithLinks(u)
			if r.Next != tt.next {
				t.Errorf("Next = %q, want %q", r.Next, tt.next)
			}
			if r.Previous != tt.previous {
				t.Errorf("Previous = %q, want %q", r.Previous, tt.previous)
			}
		})
	}
}
