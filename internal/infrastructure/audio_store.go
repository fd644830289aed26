package infrastructure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"iara_bot/internal/entities"
)

// AudioRoute is where gin serves files written by DiskAudioStore.
const AudioRoute = "/media/audio"

// DiskAudioStore keeps synthesized replies on local disk and publishes them under a public base URL.
type DiskAudioStore struct {
	dir     string
	baseURL string
}

func NewDiskAudioStore(dir, publicBaseURL string) (*DiskAudioStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	return &DiskAudioStore{dir: dir, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (s *DiskAudioStore) Dir() string { return s.dir }

// SaveAudio returns "" without writing when no public URL is configured, since WhatsApp could not
// fetch the file anyway.
func (s *DiskAudioStore) SaveAudio(ctx context.Context, businessID string, audio entities.Media) (string, error) {
	if s.baseURL == "" {
		return "", nil
	}
	if len(audio.Data) == 0 {
		return "", fmt.Errorf("save audio: empty payload")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := ulid.Make().String() + ".ogg"
	if err := os.WriteFile(filepath.Join(s.dir, name), audio.Data, 0644); err != nil {
		return "", fmt.Errorf("save audio for business %s: %w", businessID, err)
	}
	return s.baseURL + AudioRoute + "/" + name, nil
}
