package cache

import (
	"reflect"
	"testing"
	"time"
)

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.Set("exams:page=1", []byte(`1`), 30*time.Second)
	if _, ok := m.Get("exams:page=1"); !ok {
		t.Fatalf("expected fresh entry")
	}

	now = now.Add(30 * time.Second)
	if _, ok := m.Get("exams:page=1"); ok {
		t.Fatalf("expected entry to expire at its deadline")
	}
	if m.Len() != 0 {
		t.Fatalf("expected lazy eviction, len=%d", m.Len())
	}
}

func TestMemoryIgnoresNonPositiveTTL(t *testing.T) {
	m := NewMemory()
	m.Set("k:1", []byte(`1`), 0)
	if m.Len() != 0 {
		t.Fatalf("expected zero ttl to be ignored")
	}
}

func TestMemoryDeletePrefixRespectsSegments(t *testing.T) {
	m := NewMemory()
	m.Set("exams:page=1", []byte(`1`), time.Minute)
	m.Set("exams:detail:1", []byte(`1`), time.Minute)
	m.Set("examsx:page=1", []byte(`1`), time.Minute)
	m.Set("exams", []byte(`1`), time.Minute)

	if n := m.DeletePrefix("exams"); n != 2 {
		t.Fatalf("expected 2 deletions, got %d", n)
	}
	if _, ok := m.Get("examsx:page=1"); !ok {
		t.Fatalf("expected examsx namespace to survive")
	}
	if _, ok := m.Get("exams"); !ok {
		t.Fatalf("expected bare key outside the namespace to survive")
	}
}

func TestMemoryDeleteExpired(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.Set("a:1", []byte(`1`), time.Second)
	m.Set("a:2", []byte(`1`), time.Hour)
	now = now.Add(2 * time.Second)

	if n := m.DeleteExpired(); n != 1 {
		t.Fatalf("expected 1 purge, got %d", n)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", m.Len())
	}
}

func TestAncestorPrefixes(t *testing.T) {
	tests := []struct {
		key  string
		want []string
	}{
		{key: "exams", want: nil},
		{key: "exams:page=1", want: []string{"exams"}},
		{key: "exams:category:5:page=1", want: []string{"exams", "exams:category", "exams:category:5"}},
	}
	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			got := ancestorPrefixes(tc.key)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestNormalizePrefix(t *testing.T) {
	for in, want := range map[string]string{
		"exams":    "exams",
		"exams:":   "exams",
		"exams:*":  "exams",
		" users:1": "users:1",
	} {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
