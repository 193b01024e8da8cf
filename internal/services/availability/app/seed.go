package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk lineup directory shape.
type seedFile struct {
	Lineups []seedLineup `yaml:"lineups"`
}

type seedLineup struct {
	ActID    string       `yaml:"act_id"`
	LineupID string       `yaml:"lineup_id"`
	Name     string       `yaml:"name"`
	Members  []seedMember `yaml:"members"`
}

type seedMember struct {
	MusicianID string       `yaml:"musician_id"`
	Name       string       `yaml:"name"`
	Phone      string       `yaml:"phone"`
	DutyRole   string       `yaml:"duty_role"`
	Lead       bool         `yaml:"lead"`
	FeePence   int64        `yaml:"fee_pence"`
	PhotoURL   string       `yaml:"photo_url"`
	ProfileURL string       `yaml:"profile_url"`
	Deputies   []seedDeputy `yaml:"deputies"`
}

type seedDeputy struct {
	MusicianID string `yaml:"musician_id"`
	Name       string `yaml:"name"`
	Phone      string `yaml:"phone"`
	PhotoURL   string `yaml:"photo_url"`
	ProfileURL string `yaml:"profile_url"`
}

// LoadLineupSeed parses a lineup directory YAML file.
func LoadLineupSeed(path string) ([]storage.LineupRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lineup seed: %w", err)
	}
	return parseLineupSeed(data)
}

func parseLineupSeed(data []byte) ([]storage.LineupRecord, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse lineup seed: %w", err)
	}

	records := make([]storage.LineupRecord, 0, len(file.Lineups))
	for i, lineup := range file.Lineups {
		if lineup.ActID == "" || lineup.LineupID == "" {
			return nil, fmt.Errorf("lineup %d: act_id and lineup_id are required", i)
		}
		record := storage.LineupRecord{
			ActID:    lineup.ActID,
			LineupID: lineup.LineupID,
			Name:     lineup.Name,
		}
		for j, member := range lineup.Members {
			if member.MusicianID == "" || member.Phone == "" {
				return nil, fmt.Errorf("lineup %s member %d: musician_id and phone are required", lineup.LineupID, j)
			}
			memberRecord := storage.MemberRecord{
				MusicianID: member.MusicianID,
				Name:       member.Name,
				Phone:      member.Phone,
				DutyRole:   member.DutyRole,
				IsLead:     member.Lead,
				FeePence:   member.FeePence,
				PhotoURL:   member.PhotoURL,
				ProfileURL: member.ProfileURL,
			}
			for _, deputy := range member.Deputies {
				memberRecord.Deputies = append(memberRecord.Deputies, storage.DeputyRecord{
					MusicianID: deputy.MusicianID,
					Name:       deputy.Name,
					Phone:      deputy.Phone,
					PhotoURL:   deputy.PhotoURL,
					ProfileURL: deputy.ProfileURL,
				})
			}
			record.Members = append(record.Members, memberRecord)
		}
		records = append(records, record)
	}
	return records, nil
}

// SeedLineups replaces the stored directory with the given lineups.
func SeedLineups(ctx context.Context, store storage.DirectoryStore, lineups []storage.LineupRecord) error {
	for _, lineup := range lineups {
		if err := store.ReplaceLineup(ctx, lineup); err != nil {
			return fmt.Errorf("seed lineup %s/%s: %w", lineup.ActID, lineup.LineupID, err)
		}
	}
	return nil
}
