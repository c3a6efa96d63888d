package selar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/membersync/internal/clock"
	"github.com/smallbiznis/membersync/internal/config"
	exportdomain "github.com/smallbiznis/membersync/internal/providers/export/domain"
	"go.uber.org/zap"
)

const (
	defaultBaseURL  = "https://selar.co"
	artifactPattern = "selar_export_*.csv"
	artifactFormat  = "selar_export_20060102_150405.csv"
)

// ArtifactPattern is the glob matching retained export artifacts.
func ArtifactPattern() string { return artifactPattern }

// Exporter downloads payment export artifacts from Selar.
type Exporter struct {
	httpClient  *http.Client
	log         *zap.Logger
	clock       clock.Clock
	baseURL     string
	artifactDir string
	creds       exportdomain.CredentialStore

	mu       sync.Mutex
	email    string
	password string
}

func New(cfg config.Config, log *zap.Logger, clk clock.Clock) *Exporter {
	e := &Exporter{
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		log:         log.Named("selar"),
		clock:       clk,
		baseURL:     defaultBaseURL,
		artifactDir: cfg.ArtifactDir,
		creds:       NewFileCredentialStore(cfg.CredentialsFile),
	}
	if email, password, err := e.creds.Load(); err == nil {
		e.email, e.password = email, password
	}
	return e
}

func (e *Exporter) Configured() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.email != "" && e.password != ""
}

// Configure stores new credentials and persists them for restarts.
func (e *Exporter) Configure(email, password string) error {
	email = strings.TrimSpace(email)
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return exportdomain.ErrNotConfigured
	}
	if err := e.creds.Save(email, password); err != nil {
		return err
	}
	e.mu.Lock()
	e.email, e.password = email, password
	e.mu.Unlock()
	return nil
}

// FetchExport logs in and downloads one export artifact into the artifact
// directory under a timestamped name.
func (e *Exporter) FetchExport(ctx context.Context) (exportdomain.Artifact, error) {
	e.mu.Lock()
	email, password := e.email, e.password
	e.mu.Unlock()
	if email == "" || password == "" {
		return exportdomain.Artifact{}, exportdomain.ErrNotConfigured
	}

	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/exports/payments.csv", strings.NewReader(form.Encode()))
	if err != nil {
		return exportdomain.Artifact{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return exportdomain.Artifact{}, fmt.Errorf("fetch export: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return exportdomain.Artifact{}, fmt.Errorf("fetch export: unexpected status %d", resp.StatusCode)
	}

	filename := e.clock.Now().Format(artifactFormat)
	path := filepath.Join(e.artifactDir, filename)
	out, err := os.Create(path)
	if err != nil {
		return exportdomain.Artifact{}, err
	}
	written, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err != nil {
		_ = os.Remove(path)
		return exportdomain.Artifact{}, fmt.Errorf("write artifact: %w", err)
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return exportdomain.Artifact{}, closeErr
	}

	sizeMB := float64(written) / 1024 / 1024
	e.log.Info("downloaded export artifact",
		zap.String("filename", filename),
		zap.Float64("size_mb", sizeMB),
	)
	return exportdomain.Artifact{Filename: filename, SizeMB: sizeMB}, nil
}

// fileCredentialStore keeps credentials in a local JSON file. Encryption of
// the file is an external concern.
type fileCredentialStore struct {
	path string
}

func NewFileCredentialStore(path string) exportdomain.CredentialStore {
	return &fileCredentialStore{path: path}
}

type credentialsFile struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *fileCredentialStore) Save(email, password string) error {
	data, err := json.Marshal(credentialsFile{Email: email, Password: password})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *fileCredentialStore) Load() (string, string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", "", err
	}
	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", err
	}
	return creds.Email, creds.Password, nil
}
