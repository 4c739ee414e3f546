package mitre

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/infrastructure/repository"
)

// DefaultDatasetURL is the published enterprise ATT&CK STIX bundle.
const DefaultDatasetURL = "https://raw.githubusercontent.com/mitre/cti/master/enterprise-attack/enterprise-attack.json"

// StixImporter downloads the ATT&CK STIX bundle and upserts the attack
// patterns it contains by stable technique id.
type StixImporter struct {
	repo   repository.TechniqueRepository
	client *http.Client
	url    string
	logger *zap.Logger
}

func NewStixImporter(repo repository.TechniqueRepository, url string, logger *zap.Logger) *StixImporter {
	if url == "" {
		url = DefaultDatasetURL
	}
	return &StixImporter{
		repo:   repo,
		client: &http.Client{Timeout: 5 * time.Minute},
		url:    url,
		logger: logger,
	}
}

func (s *StixImporter) Status(ctx context.Context) (ImportStatus, error) {
	count, err := s.repo.Count(ctx)
	if err != nil {
		return ImportStatus{}, err
	}
	seedOnly, err := s.repo.SeedOnly(ctx)
	if err != nil {
		return ImportStatus{}, err
	}
	last, err := s.repo.LastImport(ctx)
	if err != nil {
		return ImportStatus{}, err
	}
	return ImportStatus{TechniqueCount: count, SeedOnly: seedOnly && count > 0, LastImport: last}, nil
}

func (s *StixImporter) Import(ctx context.Context) error {
	techniques, err := s.download(ctx)
	if err != nil {
		return err
	}
	if len(techniques) == 0 {
		return fmt.Errorf("attack bundle contained no techniques")
	}
	if err := s.repo.Upsert(ctx, techniques); err != nil {
		return err
	}
	s.logger.Info("attack techniques imported", zap.Int("count", len(techniques)))
	return nil
}

// stixBundle is the subset of the STIX 2.1 bundle shape the importer needs.
type stixBundle struct {
	Objects []stixObject `json:"objects"`
}

type stixObject struct {
	Type               string `json:"type"`
	Name               string `json:"name"`
	Description        string `json:"description"`
	Revoked            bool   `json:"revoked"`
	ExternalReferences []struct {
		SourceName string `json:"source_name"`
		ExternalID string `json:"external_id"`
	} `json:"external_references"`
	KillChainPhases []struct {
		KillChainName string `json:"kill_chain_name"`
		PhaseName     string `json:"phase_name"`
	} `json:"kill_chain_phases"`
}

func (s *StixImporter) download(ctx context.Context) ([]repository.Technique, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building dataset request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading attack dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attack dataset download returned %d", resp.StatusCode)
	}

	var bundle stixBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("decoding attack bundle: %w", err)
	}

	var out []repository.Technique
	for _, obj := range bundle.Objects {
		if obj.Type != "attack-pattern" || obj.Revoked {
			continue
		}
		id := ""
		for _, ref := range obj.ExternalReferences {
			if ref.SourceName == "mitre-attack" {
				id = ref.ExternalID
				break
			}
		}
		if id == "" {
			continue
		}
		tactic := ""
		if len(obj.KillChainPhases) > 0 {
			tactic = obj.KillChainPhases[0].PhaseName
		}
		out = append(out, repository.Technique{
			TechniqueID: id,
			Name:        obj.Name,
			Tactic:      tactic,
			Description: obj.Description,
		})
	}
	return out, nil
}
