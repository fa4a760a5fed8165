// Package provision fetches the CodeBERT artifacts (config, tokenizer and
// weights) from the Hugging Face hub into a local directory.
//
// cloid does not load these files. They are laid out for ONNX and
// transformers consumers that run CodeBERT offline; the /embed endpoint is
// served by the Ollama embeddings API (see package embed).
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cloid/internal/common/fsutil"
	"cloid/internal/logging"
)

const (
	DefaultRepo         = "microsoft/codebert-base"
	DefaultFallbackRepo = "roberta-base"
	DefaultHubURL       = "https://huggingface.co"
)

// TokenizerFiles must all be listed by the repo, or the fallback repo is used for them.
var TokenizerFiles = []string{"tokenizer.json", "tokenizer_config.json", "vocab.json", "merges.txt"}

const (
	configFile  = "config.json"
	onnxFile    = "model.onnx"
	pytorchFile = "pytorch_model.bin"
)

// Config configures a Provisioner. Zero values pick defaults.
type Config struct {
	Repo         string
	FallbackRepo string
	HubURL       string
	// Dir defaults to DefaultDir().
	Dir        string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Provisioner downloads and checks model files on disk.
type Provisioner struct {
	repo     string
	fallback string
	hub      string
	dir      string
	http     *http.Client
	log      zerolog.Logger
}

// DefaultDir is $CLOI_DATA_DIR/models/codebert-base, or ~/.cloi/models/codebert-base.
func DefaultDir() string {
	root := os.Getenv("CLOI_DATA_DIR")
	if root == "" {
		root = "~/.cloi"
	}
	return filepath.Join(root, "models", "codebert-base")
}

// New returns a Provisioner for cfg.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Repo == "" {
		cfg.Repo = DefaultRepo
	}
	if cfg.FallbackRepo == "" {
		cfg.FallbackRepo = DefaultFallbackRepo
	}
	if cfg.HubURL == "" {
		cfg.HubURL = DefaultHubURL
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir()
	}
	dir, err := fsutil.ExpandHome(cfg.Dir)
	if err != nil {
		return nil, err
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 0}
	}
	l := logging.OrNop(cfg.Logger)
	return &Provisioner{
		repo:     cfg.Repo,
		fallback: cfg.FallbackRepo,
		hub:      strings.TrimRight(cfg.HubURL, "/"),
		dir:      dir,
		http:     hc,
		log:      l.With().Str("component", "provision").Str("repo", cfg.Repo).Logger(),
	}, nil
}

// Dir returns the expanded install directory.
func (p *Provisioner) Dir() string { return p.dir }

// Missing lists required files not present in Dir. Weights count as present
// when either model.onnx or pytorch_model.bin exists.
func (p *Provisioner) Missing() []string {
	var out []string
	for _, f := range append([]string{configFile}, TokenizerFiles...) {
		if !fsutil.FileExists(filepath.Join(p.dir, f)) {
			out = append(out, f)
		}
	}
	if !fsutil.FileExists(filepath.Join(p.dir, onnxFile)) && !fsutil.FileExists(filepath.Join(p.dir, pytorchFile)) {
		out = append(out, onnxFile)
	}
	return out
}

// IsPresent reports whether every required file is on disk.
func (p *Provisioner) IsPresent() bool { return len(p.Missing()) == 0 }

// Ensure downloads the model unless it is already present.
func (p *Provisioner) Ensure(ctx context.Context) (string, error) {
	if p.IsPresent() {
		p.log.Debug().Str("dir", p.dir).Msg("model already present")
		return p.dir, nil
	}
	return p.Download(ctx)
}

func (p *Provisioner) fileURL(repo, file string) string {
	return p.hub + "/" + repo + "/resolve/main/" + file
}

type repoInfo struct {
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// tokenizerRepo returns the repo to take tokenizer files from.
func (p *Provisioner) tokenizerRepo(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.hub+"/api/models/"+p.repo, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch repo info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch repo info: %s", resp.Status)
	}
	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode repo info: %w", err)
	}
	listed := make(map[string]bool, len(info.Siblings))
	for _, s := range info.Siblings {
		listed[s.RFilename] = true
	}
	for _, f := range TokenizerFiles {
		if !listed[f] {
			p.log.Info().Str("missing", f).Str("fallback", p.fallback).Msg("tokenizer incomplete, using fallback repo")
			return p.fallback, nil
		}
	}
	return p.repo, nil
}

// Download fetches config, tokenizer and weights into Dir and returns Dir.
// Every tokenizer file must answer HEAD with 200, so a successful Download
// leaves IsPresent true. ONNX weights are preferred; pytorch_model.bin is
// fetched when the repo has none.
func (p *Provisioner) Download(ctx context.Context) (string, error) {
	if _, err := fsutil.EnsureDir(p.dir); err != nil {
		return "", err
	}
	start := time.Now()
	if err := p.fetch(ctx, p.fileURL(p.repo, configFile), configFile); err != nil {
		return "", err
	}

	tokRepo, err := p.tokenizerRepo(ctx)
	if err != nil {
		return "", err
	}
	for _, f := range TokenizerFiles {
		u := p.fileURL(tokRepo, f)
		status, err := p.head(ctx, u)
		if err != nil {
			return "", err
		}
		if status != http.StatusOK {
			return "", fmt.Errorf("tokenizer file %s not available in %s: HTTP %d", f, tokRepo, status)
		}
		if err := p.fetch(ctx, u, f); err != nil {
			return "", err
		}
	}

	onnxURL := p.fileURL(p.repo, onnxFile)
	status, err := p.head(ctx, onnxURL)
	if err != nil {
		return "", err
	}
	if status == http.StatusOK {
		if err := p.fetch(ctx, onnxURL, onnxFile); err != nil {
			return "", err
		}
		if err := p.copyToOnnxDir(); err != nil {
			return "", err
		}
	} else {
		p.log.Info().Msg("no ONNX export in repo, downloading PyTorch weights")
		if err := p.fetch(ctx, p.fileURL(p.repo, pytorchFile), pytorchFile); err != nil {
			return "", err
		}
	}
	p.log.Info().Str("dir", p.dir).Dur("took", time.Since(start)).Msg("model downloaded")
	return p.dir, nil
}

func (p *Provisioner) head(ctx context.Context, u string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HEAD %s: %w", u, err)
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// fetch streams u into Dir/name through a temp file.
func (p *Provisioner) fetch(ctx context.Context, u, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %s", name, resp.Status)
	}
	dst := filepath.Join(p.dir, name)
	tmp, err := os.CreateTemp(p.dir, "."+name+".part-*")
	if err != nil {
		return err
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("download %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	p.log.Info().Str("file", name).Int64("bytes", n).Msg("downloaded")
	return nil
}

// copyToOnnxDir mirrors model.onnx into onnx/ for loaders that expect that layout.
func (p *Provisioner) copyToOnnxDir() error {
	dir, err := fsutil.EnsureDir(filepath.Join(p.dir, "onnx"))
	if err != nil {
		return err
	}
	src, err := os.Open(filepath.Join(p.dir, onnxFile))
	if err != nil {
		return err
	}
	defer src.Close()
	tmp, err := os.CreateTemp(dir, "."+onnxFile+".part-*")
	if err != nil {
		return err
	}
	_, err = io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("copy %s: %w", onnxFile, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, onnxFile)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
