package attendance

import "testing"

func TestDecideBinding(t *testing.T) {
	d1 := "D1"
	empty := ""

	cases := []struct {
		name      string
		bound     *string
		presented string
		want      MarkOutcome
	}{
		{"unbound binds first use", nil, "D1", OutcomeFirstBind},
		{"empty string counts as unbound", &empty, "D1", OutcomeFirstBind},
		{"matching device accepts", &d1, "D1", OutcomeMatch},
		{"different device mismatches", &d1, "D2", OutcomeMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DecideBinding(tc.bound, tc.presented); got != tc.want {
				t.Errorf("DecideBinding(%v, %q) = %v, want %v", tc.bound, tc.presented, got, tc.want)
			}
		})
	}
}
