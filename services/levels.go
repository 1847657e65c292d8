package services

import (
	"sort"

	"quiz-progression-system/models"
)

const (
	FallbackTitle    = "Novice"
	FallbackXPToNext = 100
)

// LevelInfo is what the level table derives from a cumulative XP total.
type LevelInfo struct {
	Level     int     `json:"level"`
	Title     string  `json:"title"`
	XPInLevel int64   `json:"xp_in_level"`
	XPToNext  int64   `json:"xp_to_next_level"`
	Progress  float64 `json:"level_progress"` // [0,1]
}

// LevelTable is ordered by MinXP. Bands must not overlap.
type LevelTable []models.LevelBand

func NewLevelTable(bands []models.LevelBand) LevelTable {
	t := make(LevelTable, len(bands))
	copy(t, bands)
	sort.SliceStable(t, func(i, j int) bool { return t[i].MinXP < t[j].MinXP })
	return t
}

// Lookup returns the first band containing totalXP. Totals above every band clamp to the top band;
// the top band has nothing further to reach. An empty table falls back to level 1.
func (t LevelTable) Lookup(totalXP int64) LevelInfo {
	if totalXP < 0 {
		totalXP = 0
	}
	if len(t) == 0 {
		inLevel := totalXP
		if inLevel > FallbackXPToNext {
			inLevel = FallbackXPToNext
		}
		return LevelInfo{
			Level:     1,
			Title:     FallbackTitle,
			XPInLevel: totalXP,
			XPToNext:  FallbackXPToNext - inLevel,
			Progress:  float64(inLevel) / FallbackXPToNext,
		}
	}

	top := len(t) - 1
	for i, band := range t {
		if totalXP < band.MinXP || totalXP > band.MaxXP {
			continue
		}
		info := LevelInfo{Level: band.Level, Title: band.Title, XPInLevel: totalXP - band.MinXP}
		if i == top {
			info.Progress = 1
			return info
		}
		span := band.MaxXP - band.MinXP + 1
		info.XPToNext = band.MaxXP + 1 - totalXP
		info.Progress = float64(info.XPInLevel) / float64(span)
		return info
	}

	if totalXP > t[top].MaxXP {
		return LevelInfo{Level: t[top].Level, Title: t[top].Title, XPInLevel: totalXP - t[top].MinXP, Progress: 1}
	}
	// Below the first band or inside a gap: keep the highest band already passed.
	best := t[0]
	for _, band := range t {
		if band.MinXP <= totalXP {
			best = band
		}
	}
	return LevelInfo{Level: best.Level, Title: best.Title, XPInLevel: totalXP - best.MinXP}
}
