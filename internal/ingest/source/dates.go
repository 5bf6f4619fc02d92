package source

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tehran is the default location for Persian calendar dates. Iran has kept
// a fixed UTC+03:30 offset since 2022.
var Tehran = time.FixedZone("IRST", 3*3600+30*60)

var persianMonths = map[string]int{
	"فروردین":  1,
	"اردیبهشت": 2,
	"خرداد":    3,
	"تیر":      4,
	"مرداد":    5,
	"شهریور":   6,
	"مهر":      7,
	"آبان":     8,
	"آذر":      9,
	"دی":       10,
	"بهمن":     11,
	"اسفند":    12,
}

var digitReplacer = strings.NewReplacer(
	"۰", "0", "۱", "1", "۲", "2", "۳", "3", "۴", "4",
	"۵", "5", "۶", "6", "۷", "7", "۸", "8", "۹", "9",
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
)

// ToASCIIDigits converts Persian and Arabic-Indic digits to ASCII.
func ToASCIIDigits(s string) string {
	return digitReplacer.Replace(s)
}

var gregorianLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

// plainLayouts are tried after the Jalali forms, which share their shape.
var plainLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDate parses the date formats found on listing pages and feeds:
// ISO-8601, RFC 1123, Unix seconds, and Jalali dates in numeric
// ("1404-09-10 14:34") or month-name ("10 آذر 04 - 14:15") form. Dates
// without a zone are read in loc, or Tehran when loc is nil.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = Tehran
	}
	s := strings.Join(strings.Fields(ToASCIIDigits(raw)), " ")
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) >= 9 {
		return time.Unix(n, 0).UTC(), nil
	}

	for _, layout := range gregorianLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	if t, ok := parseJalaliMonthName(s, loc); ok {
		return t, nil
	}
	if t, ok := parseJalaliNumeric(s, loc); ok {
		return t, nil
	}
	for _, layout := range plainLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized date format: %q", raw)
}

// parseJalaliMonthName handles "10 آذر 04 - 14:15" and "10 آذر 1404".
func parseJalaliMonthName(s string, loc *time.Location) (time.Time, bool) {
	datePart, timePart, _ := strings.Cut(s, " - ")
	fields := strings.Fields(datePart)
	if len(fields) != 3 {
		return time.Time{}, false
	}
	month, ok := persianMonths[fields[1]]
	if !ok {
		return time.Time{}, false
	}
	day, err1 := strconv.Atoi(fields[0])
	year, err2 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil {
		return time.Time{}, false
	}
	hour, minute, ok := parseClock(timePart)
	if !ok {
		return time.Time{}, false
	}
	return jalaliTime(year, month, day, hour, minute, loc)
}

// parseJalaliNumeric handles "1404-09-10 14:34" and "1404/09/10".
func parseJalaliNumeric(s string, loc *time.Location) (time.Time, bool) {
	datePart, timePart, _ := strings.Cut(s, " ")
	parts := strings.FieldsFunc(datePart, func(r rune) bool { return r == '-' || r == '/' })
	if len(parts) != 3 {
		return time.Time{}, false
	}
	var ymd [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		ymd[i] = n
	}
	if ymd[0] >= 1700 {
		return time.Time{}, false
	}
	hour, minute, ok := parseClock(timePart)
	if !ok {
		return time.Time{}, false
	}
	return jalaliTime(ymd[0], ymd[1], ymd[2], hour, minute, loc)
}

func parseClock(s string) (int, int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, true
	}
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, false
	}
	if sec := strings.IndexByte(mm, ':'); sec >= 0 {
		mm = mm[:sec]
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

func jalaliTime(year, month, day, hour, minute int, loc *time.Location) (time.Time, bool) {
	// Two-digit years are in the 1400s.
	if year < 100 {
		year += 1400
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || (month > 6 && day > 30) {
		return time.Time{}, false
	}
	gy, gm, gd := JalaliToGregorian(year, month, day)
	return time.Date(gy, time.Month(gm), gd, hour, minute, 0, 0, loc), true
}

// JalaliToGregorian converts a Solar Hijri date to the Gregorian calendar.
func JalaliToGregorian(jy, jm, jd int) (gy, gm, gd int) {
	jy += 1595
	days := -355668 + 365*jy + (jy/33)*8 + ((jy%33)+3)/4 + jd
	if jm < 7 {
		days += (jm - 1) * 31
	} else {
		days += (jm-7)*30 + 186
	}

	gy = 400 * (days / 146097)
	days %= 146097
	if days > 36524 {
		days--
		gy += 100 * (days / 36524)
		days %= 36524
		if days >= 365 {
			days++
		}
	}
	gy += 4 * (days / 1461)
	days %= 1461
	if days > 365 {
		gy += (days - 1) / 365
		days = (days - 1) % 365
	}
	gd = days + 1

	feb := 28
	if (gy%4 == 0 && gy%100 != 0) || gy%400 == 0 {
		feb = 29
	}
	monthDays := [...]int{31, feb, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	gm = 1
	for _, n := range monthDays {
		if gd <= n {
			break
		}
		gd -= n
		gm++
	}
	return gy, gm, gd
}
