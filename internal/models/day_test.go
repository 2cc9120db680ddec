package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDayOrdering(t *testing.T) {
	week := Week()
	if len(week) != NumDays {
		t.Fatalf("expected %d days, got %d", NumDays, len(week))
	}
	for i := 0; i < len(week)-1; i++ {
		next, ok := week[i].Next()
		if !ok {
			t.Fatalf("%s unexpectedly has no next day", week[i])
		}
		if next != week[i+1] {
			t.Errorf("next of %s = %s, want %s", week[i], next, week[i+1])
		}
	}
	if _, ok := Sunday.Next(); ok {
		t.Error("Sunday must not have a next day")
	}
}

func TestDayNames(t *testing.T) {
	if got := Monday.Name(LocaleFrench); got != "LUNDI" {
		t.Errorf("Monday French name = %q, want LUNDI", got)
	}
	if got := Monday.Name(LocaleEnglish); got != "MONDAY" {
		t.Errorf("Monday English name = %q, want MONDAY", got)
	}
	if got := Saturday.Title(LocaleFrench); got != "Samedi" {
		t.Errorf("Saturday French title = %q, want Samedi", got)
	}
}

func TestParseDay(t *testing.T) {
	cases := []struct {
		in   string
		want Day
	}{
		{"LUNDI", Monday},
		{"lundi", Monday},
		{"  mardi ", Tuesday},
		{"Mercredi", Wednesday},
		{"samedî", Saturday},
		{"DIMANCHE", Sunday},
		{"MONDAY", Monday},
		{"sunday", Sunday},
		{"Wednesday", Wednesday},
	}
	for _, c := range cases {
		got, err := ParseDay(c.in)
		if err != nil {
			t.Errorf("ParseDay(%q) unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseDay(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestParseDayInvalid(t *testing.T) {
	for _, in := range []string{"", "mercredo", "someday", "LUNDI MARDI", "8"} {
		if _, err := ParseDay(in); !errors.Is(err, ErrInvalidDay) {
			t.Errorf("ParseDay(%q) error = %v, want ErrInvalidDay", in, err)
		}
	}
}

func TestDayJSONMapKeys(t *testing.T) {
	in := map[Day][]string{Monday: {"t1"}, Sunday: {"t2", "t3"}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[Day][]string
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 2 || len(out[Sunday]) != 2 || out[Monday][0] != "t1" {
		t.Errorf("day-keyed map did not round-trip: %v", out)
	}
}
