package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	isoWeekPattern  = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)
	monthKeyPattern = regexp.MustCompile(`^(\d{4})-(\d{2})$`)
)

// IsoWeekKey formats t as "2024-W07".
func IsoWeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func MonthKey(t time.Time) string {
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}

// ParseIsoWeek returns the Monday 00:00 UTC that starts the week.
func ParseIsoWeek(key string) (time.Time, error) {
	m := isoWeekPattern.FindStringSubmatch(key)
	if m == nil {
		return time.Time{}, fmt.Errorf("iso week %q must look like YYYY-Www", key)
	}
	year, _ := strconv.Atoi(m[1])
	week, _ := strconv.Atoi(m[2])
	if week < 1 || week > 53 {
		return time.Time{}, fmt.Errorf("iso week %q out of range", key)
	}
	// Jan 4th is always in week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	monday := jan4.AddDate(0, 0, -offset+(week-1)*7)
	if y, w := monday.ISOWeek(); y != year || w != week {
		return time.Time{}, fmt.Errorf("iso week %q does not exist", key)
	}
	return monday, nil
}

// MonthKeyForIsoWeek uses the week's Thursday, the day that decides ISO week ownership.
func MonthKeyForIsoWeek(key string) (string, error) {
	monday, err := ParseIsoWeek(key)
	if err != nil {
		return "", err
	}
	return MonthKey(monday.AddDate(0, 0, 3)), nil
}

func ValidateMonthKey(key string) error {
	m := monthKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return fmt.Errorf("month %q must look like YYYY-MM", key)
	}
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return fmt.Errorf("month %q out of range", key)
	}
	return nil
}
