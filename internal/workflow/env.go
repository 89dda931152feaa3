package workflow

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// envMap parses KEY=VALUE pairs. Later duplicates win.
func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func envList(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// secretNames are the variable and secret names that must never reach a
// setup step through the inherited environment.
func (s Spec) secretNames() map[string]struct{} {
	out := make(map[string]struct{}, len(s.Env)*2)
	for k, v := range s.Env {
		out[k] = struct{}{}
		out[v] = struct{}{}
	}
	return out
}

// setupEnv is the environment for checkout and provisioning commands: the
// service environment minus anything that names a secret, with the venv active
// when one exists.
func (p *Pipeline) setupEnv(ws *workspace) []string {
	m := envMap(p.environ())
	for name := range p.spec.secretNames() {
		delete(m, name)
	}
	activateVenv(m, ws.venv)
	m["PIP_DISABLE_PIP_VERSION_CHECK"] = "1"
	m["GIT_TERMINAL_PROMPT"] = "0"
	return envList(m)
}

// scriptEnv is the complete environment of the script: the inherit allow-list,
// the active venv and exactly the resolved secrets.
func (p *Pipeline) scriptEnv(ws *workspace, resolved map[string]string) []string {
	base := envMap(p.environ())
	m := make(map[string]string, len(p.spec.InheritEnv)+len(resolved)+2)
	for _, name := range p.spec.InheritEnv {
		if v, ok := base[name]; ok {
			m[name] = v
		}
	}
	for name := range p.spec.secretNames() {
		delete(m, name)
	}
	activateVenv(m, ws.venv)
	for k, v := range resolved {
		m[k] = v
	}
	return envList(m)
}

func activateVenv(m map[string]string, venv string) {
	if venv == "" {
		return
	}
	bin := filepath.Join(venv, "bin")
	m["VIRTUAL_ENV"] = venv
	if path := m["PATH"]; path != "" {
		m["PATH"] = bin + string(os.PathListSeparator) + path
	} else {
		m["PATH"] = bin
	}
	delete(m, "PYTHONHOME")
}
