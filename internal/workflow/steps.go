package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"adsync/internal/secrets"
	logx "adsync/pkg/logx"
)

var pythonVersionRe = regexp.MustCompile(`Python (\d+)\.(\d+)`)

// ErrIncompatibleRuntime is wrapped when the interpreter's version does not
// match the requested one.
var ErrIncompatibleRuntime = errors.New("incompatible runtime")

// capture runs a command and returns its trimmed stdout. Stderr goes to the
// run output.
func (p *Pipeline) capture(ctx context.Context, ws *workspace, log logx.Logger, name string, args []string, env []string, combined bool) (string, error) {
	var out bytes.Buffer
	stderr := p.outputWriter(log, ws, "stderr")
	cmd := Command{Name: name, Args: args, Dir: ws.dir, Env: env, Stdout: &out, Stderr: stderr}
	if combined {
		cmd.Stderr = &out
	}
	err := p.cmd.Run(ctx, cmd)
	stderr.Flush()
	return strings.TrimSpace(out.String()), err
}

func (p *Pipeline) checkout(ctx context.Context, run *Run, ws *workspace, log logx.Logger) error {
	dir := strings.TrimSpace(ws.dir)
	if dir == "" {
		return errors.New("checkout dir is empty")
	}
	if p.spec.Repository == "" {
		st, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("local workspace: %w", err)
		}
		if !st.IsDir() {
			return fmt.Errorf("local workspace %s is not a directory", dir)
		}
		log.Info("using local workspace", logx.String("dir", dir))
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if sha, err := p.capture(ctx, ws, log, "git", []string{"rev-parse", "HEAD"}, p.setupEnv(ws), false); err == nil {
				run.Commit = sha
			}
		}
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	env := p.setupEnv(ws)
	git := func(args ...string) error {
		return p.exec(ctx, ws, log, "git", args, env)
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := git("init", "--quiet"); err != nil {
			return fmt.Errorf("git init: %w", err)
		}
		if err := git("remote", "add", "origin", p.spec.Repository); err != nil {
			return fmt.Errorf("git remote add: %w", err)
		}
	} else if err := git("remote", "set-url", "origin", p.spec.Repository); err != nil {
		return fmt.Errorf("git remote set-url: %w", err)
	}

	ref := strings.TrimSpace(run.Ref)
	if ref == "" {
		ref = "HEAD"
	}
	fetch := []string{"fetch", "--force", "--no-tags"}
	if p.spec.Depth > 0 {
		fetch = append(fetch, "--depth", strconv.Itoa(p.spec.Depth))
	}
	fetch = append(fetch, "origin", ref)
	if err := git(fetch...); err != nil {
		return fmt.Errorf("git fetch %s: %w", ref, err)
	}
	if err := git("checkout", "--force", "--detach", "FETCH_HEAD"); err != nil {
		return fmt.Errorf("git checkout: %w", err)
	}
	if p.spec.Clean {
		if err := git("clean", "-ffdx"); err != nil {
			return fmt.Errorf("git clean: %w", err)
		}
	}
	sha, err := p.capture(ctx, ws, log, "git", []string{"rev-parse", "HEAD"}, env, false)
	if err != nil {
		return fmt.Errorf("git rev-parse: %w", err)
	}
	run.Commit = sha
	log.Info("checked out", logx.String("ref", ref), logx.String("commit", sha))
	return nil
}

// interpreterCandidates lists interpreters in resolution order.
func (s Spec) interpreterCandidates() []string {
	if s.Interpreter != "" {
		return []string{s.Interpreter}
	}
	out := make([]string, 0, 2)
	if v := strings.TrimSpace(s.PythonVersion); v != "" {
		out = append(out, "python"+v)
	}
	return append(out, "python3")
}

func (p *Pipeline) setupRuntime(ctx context.Context, _ *Run, ws *workspace, log logx.Logger) error {
	var python string
	for _, cand := range p.spec.interpreterCandidates() {
		if path, err := p.cmd.LookPath(cand); err == nil {
			python = path
			break
		}
	}
	if python == "" {
		return fmt.Errorf("no python interpreter found (tried %s)", strings.Join(p.spec.interpreterCandidates(), ", "))
	}

	env := p.setupEnv(ws)
	out, err := p.capture(ctx, ws, log, python, []string{"--version"}, env, true)
	if err != nil {
		return fmt.Errorf("%s --version: %w", python, err)
	}
	if want := strings.TrimSpace(p.spec.PythonVersion); want != "" {
		m := pythonVersionRe.FindStringSubmatch(out)
		if m == nil {
			return fmt.Errorf("%w: cannot parse %q", ErrIncompatibleRuntime, out)
		}
		if got := m[1] + "." + m[2]; got != want {
			return fmt.Errorf("%w: %s is %s, want %s", ErrIncompatibleRuntime, python, got, want)
		}
	}
	log.Info("runtime resolved", logx.String("python", python), logx.String("version", out))

	if p.spec.Venv {
		venv, err := filepath.Abs(filepath.Join(ws.dir, ".venv"))
		if err != nil {
			return err
		}
		if err := p.exec(ctx, ws, log, python, []string{"-m", "venv", "--clear", venv}, env); err != nil {
			return fmt.Errorf("create venv: %w", err)
		}
		ws.venv = venv
		python = filepath.Join(venv, "bin", "python")
	}
	ws.python = python
	return nil
}

func (p *Pipeline) installDeps(ctx context.Context, _ *Run, ws *workspace, log logx.Logger) error {
	manifest := p.spec.Manifest
	onDisk := manifest
	if !filepath.IsAbs(onDisk) {
		onDisk = filepath.Join(ws.dir, onDisk)
	}
	if _, err := os.Stat(onDisk); err != nil {
		return fmt.Errorf("dependency manifest: %w", err)
	}
	env := p.setupEnv(ws)
	if p.spec.UpgradePip {
		if err := p.exec(ctx, ws, log, ws.python, []string{"-m", "pip", "install", "--upgrade", "pip"}, env); err != nil {
			return fmt.Errorf("upgrade pip: %w", err)
		}
	}
	if err := p.exec(ctx, ws, log, ws.python, []string{"-m", "pip", "install", "-r", manifest}, env); err != nil {
		return fmt.Errorf("pip install -r %s: %w", manifest, err)
	}
	return nil
}

func (p *Pipeline) runScript(ctx context.Context, run *Run, ws *workspace, log logx.Logger) error {
	script := p.spec.Script
	path := script
	if !filepath.IsAbs(path) {
		path = filepath.Join(ws.dir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	if p.secrets == nil {
		return errors.New("no secret store configured")
	}
	resolved, err := secrets.Resolve(ctx, p.secrets, p.spec.Env)
	if err != nil {
		return err
	}
	if p.redactor != nil {
		vals := make([]string, 0, len(resolved))
		for _, v := range resolved {
			vals = append(vals, v)
		}
		p.redactor.Add(vals...)
	}
	log.Info("running script", logx.String("script", script), logx.Int("secrets", len(resolved)))
	args := append([]string{script}, p.spec.Args...)
	return p.exec(ctx, ws, log, ws.python, args, p.scriptEnv(ws, resolved))
}
