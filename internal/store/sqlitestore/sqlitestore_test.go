package sqlitestore

import (
	"testing"

	"github.com/leadengine/wa-ingest/internal/store"
)

func TestContactIdentity_PrefersPhoneThenExternalThenSession(t *testing.T) {
	cases := []struct {
		name string
		in   store.NewContact
		want string
	}{
		{"phone wins", store.NewContact{PrimaryPhone: "+15551234", ExternalID: "ext-1"}, "phone:+15551234"},
		{"external fallback", store.NewContact{ExternalID: "ext-1"}, "ext:ext-1"},
		{"session fallback", store.NewContact{InstanceID: "inst-1", SessionID: "sess-1"}, "session:inst-1:sess-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := contactIdentity(tc.in); got != tc.want {
				t.Fatalf("contactIdentity() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMarshalUnmarshalMetadata_RoundTrips(t *testing.T) {
	in := map[string]any{"wamid": "abc", "attempt": float64(3)}
	encoded, err := marshalJSON(in)
	if err != nil {
		t.Fatalf("marshalJSON: %v", err)
	}
	out := unmarshalMetadata(encoded)
	if out["wamid"] != "abc" {
		t.Fatalf("expected wamid round trip, got %v", out["wamid"])
	}
	if out["attempt"] != float64(3) {
		t.Fatalf("expected attempt round trip, got %v", out["attempt"])
	}
}

func TestMarshalJSON_NilYieldsEmptyObject(t *testing.T) {
	encoded, err := marshalJSON(nil)
	if err != nil {
		t.Fatalf("marshalJSON(nil): %v", err)
	}
	if encoded != "{}" {
		t.Fatalf("expected empty object for nil metadata, got %q", encoded)
	}
}

func TestUnmarshalMetadata_EmptyStringYieldsNil(t *testing.T) {
	if got := unmarshalMetadata(""); got != nil {
		t.Fatalf("expected nil for empty metadata string, got %v", got)
	}
}

func TestBoolToInt(t *testing.T) {
	if boolToInt(true) != 1 {
		t.Fatalf("expected true -> 1")
	}
	if boolToInt(false) != 0 {
		t.Fatalf("expected false -> 0")
	}
}
