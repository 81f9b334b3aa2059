package utils_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"github.com/shopspring/decimal"
)

func TestParseMoney(t *testing.T) {
	cases := map[string]string{
		"":          "0",
		"350":       "350",
		"1,200":     "1200",
		"$1,200.50": "1200.5",
		"-$40":      "-40",
		"USD 75.25": "75.25",
	}
	for in, want := range cases {
		got, err := utils.ParseMoney(in)
		if err != nil {
			t.Fatalf("ParseMoney(%q): %v", in, err)
		}
		if !got.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("ParseMoney(%q) = %s, want %s", in, got, want)
		}
	}
	for _, in := range []string{"abc", "$", "1.2.3"} {
		if _, err := utils.ParseMoney(in); err == nil {
			t.Fatalf("ParseMoney(%q) should fail", in)
		}
	}
}

func TestIsoWeekHelpers(t *testing.T) {
	if got := utils.IsoWeekKey(time.Date(2021, 1, 3, 10, 0, 0, 0, time.UTC)); got != "2020-W53" {
		t.Fatalf("IsoWeekKey(2021-01-03) = %s", got)
	}
	monday, err := utils.ParseIsoWeek("2024-W10")
	if err != nil || !monday.Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("ParseIsoWeek(2024-W10) = %s, %v", monday, err)
	}
	for _, bad := range []string{"2024-W00", "2024-W54", "2021-W53", "2024W10", "2024-w10"} {
		if _, err := utils.ParseIsoWeek(bad); err == nil {
			t.Fatalf("ParseIsoWeek(%q) should fail", bad)
		}
	}

	cases := map[string]string{
		"2024-W10": "2024-03",
		"2020-W53": "2020-12",
		"2025-W01": "2025-01",
		"2024-W05": "2024-02",
	}
	for week, want := range cases {
		got, err := utils.MonthKeyForIsoWeek(week)
		if err != nil || got != want {
			t.Fatalf("MonthKeyForIsoWeek(%s) = %s, %v; want %s", week, got, err, want)
		}
	}

	if err := utils.ValidateMonthKey("2024-12"); err != nil {
		t.Fatalf("ValidateMonthKey: %v", err)
	}
	for _, bad := range []string{"2024-13", "2024-00", "24-01", "2024/01"} {
		if err := utils.ValidateMonthKey(bad); err == nil {
			t.Fatalf("ValidateMonthKey(%q) should fail", bad)
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	token, err := utils.SessionGenerate(utils.SessionClaim{ID: 7, UserRef: "u-7", Name: "Dana", Role: "ELT"}, 1)
	if err != nil {
		t.Fatalf("SessionGenerate: %v", err)
	}
	claim, err := utils.SessionValidate(token)
	if err != nil {
		t.Fatalf("SessionValidate: %v", err)
	}
	if claim.ID != 7 || claim.Role != "ELT" || claim.Subject != "u-7" {
		t.Fatalf("claim = %+v", claim)
	}

	if _, err := utils.SessionGenerate(utils.SessionClaim{ID: 1}, 0); err == nil {
		t.Fatalf("zero-day session should be rejected")
	}
	for _, bad := range []string{"", "not-a-token", token[:len(token)-4] + "AAAA"} {
		if _, err := utils.SessionValidate(bad); !errors.Is(err, utils.ErrInvalidSession) {
			t.Fatalf("SessionValidate(%q) = %v", bad, err)
		}
	}
}

func TestValidateStructUsesJsonNames(t *testing.T) {
	type input struct {
		StoreName string `json:"store_name" validate:"required"`
		Email     string `json:"manager_email" validate:"omitempty,email"`
	}
	err := utils.ValidateStruct(&input{Email: "nope"})
	var ve *utils.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("ValidateStruct = %v, want ValidationError", err)
	}
	if ve.Field != "manager_email" || !strings.Contains(ve.Message, "store_name required") {
		t.Fatalf("validation error = %+v", ve)
	}
	if err := utils.ValidateStruct(&input{StoreName: "Main St"}); err != nil {
		t.Fatalf("valid input: %v", err)
	}
}

func TestSmallHelpers(t *testing.T) {
	if got := utils.Truncate("héllo world", 5); got != "héllo…" {
		t.Fatalf("Truncate = %q", got)
	}
	if got := utils.SplitAndTrim(" a, ,b ,"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("SplitAndTrim = %v", got)
	}
	blank := "   "
	if utils.NilIfBlank(&blank) != nil {
		t.Fatalf("NilIfBlank kept whitespace")
	}
	if utils.ActorFromContext(context.Background()) != "system" {
		t.Fatalf("anonymous actor should be system")
	}
	ctx := utils.SetUserNameInContext(context.Background(), "Dana")
	if utils.ActorFromContext(ctx) != "Dana" {
		t.Fatalf("actor = %s", utils.ActorFromContext(ctx))
	}
}

func TestCheckSessionSecret(t *testing.T) {
	cases := []struct {
		name       string
		session    string
		api        string
		production bool
		wantErr    bool
	}{
		{"dev without secret", "", "", false, false},
		{"production without secret", "", "", true, true},
		{"production with session secret", "s3cret", "", true, false},
		{"production with api secret", "", "s3cret", true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("SESSION_SECRET", tc.session)
			t.Setenv("API_SECRET", tc.api)
			err := utils.CheckSessionSecret(tc.production)
			if tc.wantErr != errors.Is(err, utils.ErrSessionSecretUnset) {
				t.Fatalf("CheckSessionSecret(%v) = %v", tc.production, err)
			}
		})
	}
}
