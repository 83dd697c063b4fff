package segment

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/version"
)

// Snapshot is the attribute set of one player that criteria are evaluated
// against. AsOf anchors relative fields such as days_since_last_seen.
// TotalRevenue is only set when every transaction of the player shares one
// currency; otherwise MixedCurrency is true and total_revenue never matches.
type Snapshot struct {
	PlayerID             string                     `json:"player_id"`
	TotalSessions        int64                      `json:"total_sessions"`
	TotalEvents          int64                      `json:"total_events"`
	TotalRevenue         decimal.Decimal            `json:"total_revenue"`
	Currency             string                     `json:"currency,omitempty"`
	MixedCurrency        bool                       `json:"mixed_currency,omitempty"`
	RevenueByCurrency    map[string]decimal.Decimal `json:"revenue_by_currency,omitempty"`
	TransactionCount     int64                      `json:"transaction_count"`
	TotalPlaytimeSeconds int64                      `json:"total_playtime_seconds"`
	FirstSeen            time.Time                  `json:"first_seen"`
	LastSeen             time.Time                  `json:"last_seen"`
	GameVersion          string                     `json:"game_version,omitempty"`
	Country              string                     `json:"country,omitempty"`
	Platform             string                     `json:"platform,omitempty"`
	LevelReached         int                        `json:"level_reached"`
	AsOf                 time.Time                  `json:"as_of"`
}

// Records is the full history of one game that snapshots are built from.
type Records struct {
	Sessions     []*models.Session
	Events       []*models.Event
	Transactions []*models.MonetizationTransaction
	Progression  []*models.ProgressionAttempt
	Devices      []*models.Device
}

// BuildSnapshots folds a game's history into one snapshot per player,
// ordered by player id. GameVersion is the highest version the player has
// started a session on; country and platform come from the device of the
// player's latest session.
func BuildSnapshots(r Records, asOf time.Time) []*Snapshot {
	byPlayer := make(map[string]*Snapshot)
	get := func(id string) *Snapshot {
		s, ok := byPlayer[id]
		if !ok {
			s = &Snapshot{PlayerID: id, AsOf: asOf}
			byPlayer[id] = s
		}
		return s
	}
	seen := func(s *Snapshot, ts time.Time) {
		if s.FirstSeen.IsZero() || ts.Before(s.FirstSeen) {
			s.FirstSeen = ts
		}
		if ts.After(s.LastSeen) {
			s.LastSeen = ts
		}
	}

	devices := make(map[string]*models.Device, len(r.Devices))
	for _, d := range r.Devices {
		devices[d.DeviceID] = d
	}
	latestSession := make(map[string]*models.Session)

	for _, sess := range r.Sessions {
		s := get(sess.PlayerID)
		s.TotalSessions++
		seen(s, sess.StartTime)
		if sess.EndTime != nil {
			seen(s, *sess.EndTime)
		}
		if sess.DurationSeconds != nil {
			s.TotalPlaytimeSeconds += *sess.DurationSeconds
		}
		if sess.GameVersion != "" && version.Compare(sess.GameVersion, s.GameVersion) > 0 {
			s.GameVersion = sess.GameVersion
		}
		if cur, ok := latestSession[sess.PlayerID]; !ok || sess.StartTime.After(cur.StartTime) {
			latestSession[sess.PlayerID] = sess
		}
	}
	for _, e := range r.Events {
		s := get(e.PlayerID)
		s.TotalEvents++
		seen(s, e.Timestamp)
	}
	for _, t := range r.Transactions {
		s := get(t.PlayerID)
		s.TransactionCount++
		if s.RevenueByCurrency == nil {
			s.RevenueByCurrency = make(map[string]decimal.Decimal, 1)
		}
		cur := strings.ToUpper(t.Currency)
		s.RevenueByCurrency[cur] = s.RevenueByCurrency[cur].Add(t.Amount)
		seen(s, t.Timestamp)
		if s.Platform == "" {
			s.Platform = t.Platform
		}
	}
	for _, p := range r.Progression {
		s := get(p.PlayerID)
		seen(s, p.StartTime)
		if p.CompletionStatus == models.CompletionCompleted && p.LevelNumber > s.LevelReached {
			s.LevelReached = p.LevelNumber
		}
	}

	for player, sess := range latestSession {
		d, ok := devices[sess.DeviceID]
		if !ok {
			continue
		}
		s := byPlayer[player]
		if d.Platform != "" {
			s.Platform = d.Platform
		}
		s.Country = d.Country
	}

	out := make([]*Snapshot, 0, len(byPlayer))
	for _, s := range byPlayer {
		switch len(s.RevenueByCurrency) {
		case 0:
		case 1:
			for cur, total := range s.RevenueByCurrency {
				s.Currency, s.TotalRevenue = cur, total
			}
		default:
			s.MixedCurrency = true
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}
