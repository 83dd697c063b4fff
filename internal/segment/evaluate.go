package segment

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/version"
)

type kind int

const (
	kindNumber kind = iota
	kindMoney
	kindString
	kindVersion
	kindTime
)

// fieldKinds lists every field a leaf may reference.
var fieldKinds = map[string]kind{
	"total_sessions":         kindNumber,
	"total_events":           kindNumber,
	"transaction_count":      kindNumber,
	"total_playtime_seconds": kindNumber,
	"days_since_last_seen":   kindNumber,
	"level_reached":          kindNumber,
	"total_revenue":          kindMoney,
	"game_version":           kindVersion,
	"country":                kindString,
	"platform":               kindString,
	"first_seen":             kindTime,
	"last_seen":              kindTime,
}

type value struct {
	kind kind
	num  float64
	dec  decimal.Decimal
	str  string
	t    time.Time
}

func (s *Snapshot) field(name string) (value, bool) {
	switch name {
	case "total_sessions":
		return value{kind: kindNumber, num: float64(s.TotalSessions)}, true
	case "total_events":
		return value{kind: kindNumber, num: float64(s.TotalEvents)}, true
	case "transaction_count":
		return value{kind: kindNumber, num: float64(s.TransactionCount)}, true
	case "total_playtime_seconds":
		return value{kind: kindNumber, num: float64(s.TotalPlaytimeSeconds)}, true
	case "level_reached":
		return value{kind: kindNumber, num: float64(s.LevelReached)}, true
	case "days_since_last_seen":
		if s.LastSeen.IsZero() {
			return value{}, false
		}
		return value{kind: kindNumber, num: math.Floor(s.AsOf.Sub(s.LastSeen).Hours() / 24)}, true
	case "total_revenue":
		return value{kind: kindMoney, dec: s.TotalRevenue}, !s.MixedCurrency
	case "game_version":
		return value{kind: kindVersion, str: s.GameVersion}, true
	case "country":
		return value{kind: kindString, str: s.Country}, true
	case "platform":
		return value{kind: kindString, str: s.Platform}, true
	case "first_seen":
		return value{kind: kindTime, t: s.FirstSeen}, !s.FirstSeen.IsZero()
	case "last_seen":
		return value{kind: kindTime, t: s.LastSeen}, !s.LastSeen.IsZero()
	}
	return value{}, false
}

// Evaluate reports whether snap satisfies c. It is total: a leaf naming an
// unknown field, or whose literal does not match the field type, is false.
func Evaluate(c Criteria, snap *Snapshot) bool {
	switch n := c.(type) {
	case And:
		for _, child := range n.Children {
			if !Evaluate(child, snap) {
				return false
			}
		}
		return true
	case Or:
		for _, child := range n.Children {
			if Evaluate(child, snap) {
				return true
			}
		}
		return false
	case Not:
		return !Evaluate(n.Child, snap)
	case Leaf:
		return evalLeaf(n, snap)
	}
	return false
}

func evalLeaf(l Leaf, snap *Snapshot) bool {
	fv, ok := snap.field(l.Field)
	if !ok {
		return false
	}

	switch l.Op {
	case OpIn:
		list, ok := l.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if c, ok := compare(fv, item); ok && c == 0 {
				return true
			}
		}
		return false
	case OpBetween:
		list, ok := l.Value.([]any)
		if !ok || len(list) != 2 {
			return false
		}
		lo, ok1 := compare(fv, list[0])
		hi, ok2 := compare(fv, list[1])
		return ok1 && ok2 && lo >= 0 && hi <= 0
	}

	c, ok := compare(fv, l.Value)
	if !ok {
		return false
	}
	switch l.Op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

// compare orders the field value against a literal. The second result is
// false when the literal's type does not fit the field.
func compare(fv value, lit any) (int, bool) {
	switch fv.kind {
	case kindNumber:
		n, ok := toFloat(lit)
		if !ok {
			return 0, false
		}
		return cmpFloat(fv.num, n), true
	case kindMoney:
		n, ok := toFloat(lit)
		if !ok {
			return 0, false
		}
		return fv.dec.Cmp(decimal.NewFromFloat(n)), true
	case kindString:
		s, ok := lit.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(fv.str, s), true
	case kindVersion:
		s, ok := lit.(string)
		if !ok {
			return 0, false
		}
		return version.Compare(fv.str, s), true
	case kindTime:
		s, ok := lit.(string)
		if !ok {
			return 0, false
		}
		t, ok := parseTime(s)
		if !ok {
			return 0, false
		}
		return fv.t.Compare(t), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func parseTime(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.UTC); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// UnknownFields returns the leaf fields of c that no snapshot carries, in
// the order they appear.
func UnknownFields(c Criteria) []string {
	var out []string
	var walk func(Criteria)
	walk = func(c Criteria) {
		switch n := c.(type) {
		case And:
			for _, child := range n.Children {
				walk(child)
			}
		case Or:
			for _, child := range n.Children {
				walk(child)
			}
		case Not:
			walk(n.Child)
		case Leaf:
			if _, ok := fieldKinds[n.Field]; !ok {
				out = append(out, n.Field)
			}
		}
	}
	walk(c)
	return out
}
