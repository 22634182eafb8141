// Package bootstrap turns a manifest into the self-installing shell script a
// fresh node runs on first boot. Generation is a pure function of the
// manifest: same input, same script.
package bootstrap

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/moltagent/moltagent/pkg/manifest"
)

const (
	// ManifestPath is the canonical on-node location of the manifest.
	ManifestPath = "/opt/moltagent/manifest.json"

	// GatewayPort is the fixed port the worker runtime binds on the node.
	GatewayPort = 18788

	// nodeMajor pins the language runtime installed on every node.
	nodeMajor = "22"
)

// Generate renders the first-boot script for a manifest. The script is meant
// to run as root via provider user-data. All shell-substituted values are
// single-quoted or base64-encoded so manifest content can never break out of
// the script.
func Generate(m *manifest.Manifest) (string, error) {
	manifestJSON, err := m.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize manifest: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(manifestJSON)

	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -euo pipefail\n\n")
	b.WriteString("export DEBIAN_FRONTEND=noninteractive\n\n")

	// Base system and pinned runtime.
	b.WriteString("apt-get update -y\n")
	b.WriteString("apt-get install -y curl git ca-certificates gnupg\n")
	fmt.Fprintf(&b, "curl -fsSL https://deb.nodesource.com/setup_%s.x | bash -\n", nodeMajor)
	b.WriteString("apt-get install -y nodejs\n\n")

	if m.Capabilities.WebBrowsing {
		b.WriteString("# headless browser stack\n")
		b.WriteString("apt-get install -y chromium-browser fonts-liberation libnss3 libatk-bridge2.0-0 libgbm1 libxkbcommon0 || apt-get install -y chromium\n\n")
	}
	if len(m.Capabilities.PipPackages) > 0 {
		b.WriteString("apt-get install -y python3 python3-pip python3-venv\n\n")
	}
	if len(m.Capabilities.OSPackages) > 0 {
		b.WriteString("apt-get install -y")
		for _, pkg := range m.Capabilities.OSPackages {
			b.WriteString(" " + shellQuote(pkg))
		}
		b.WriteString("\n\n")
	}
	if len(m.Capabilities.NpmPackages) > 0 {
		b.WriteString("npm install -g")
		for _, pkg := range m.Capabilities.NpmPackages {
			b.WriteString(" " + shellQuote(pkg))
		}
		b.WriteString("\n\n")
	}
	if len(m.Capabilities.PipPackages) > 0 {
		b.WriteString("pip3 install --break-system-packages")
		for _, pkg := range m.Capabilities.PipPackages {
			b.WriteString(" " + shellQuote(pkg))
		}
		b.WriteString("\n\n")
	}

	// Manifest lands on disk before anything reads it. Base64 on the wire
	// avoids every shell-escaping hazard in manifest content.
	b.WriteString("mkdir -p /opt/moltagent\n")
	fmt.Fprintf(&b, "echo %s | base64 -d > %s\n", shellQuote(encoded), ManifestPath)
	fmt.Fprintf(&b, "chmod 0600 %s\n\n", ManifestPath)

	for _, repo := range m.Capabilities.GitRepos {
		fmt.Fprintf(&b, "git clone --branch %s %s %s\n",
			shellQuote(repo.Branch), shellQuote(repo.URL), shellQuote(repo.Path))
		if repo.SetupCommand != "" {
			fmt.Fprintf(&b, "(cd %s && bash -c %s)\n", shellQuote(repo.Path), shellQuote(repo.SetupCommand))
		}
	}
	if len(m.Capabilities.GitRepos) > 0 {
		b.WriteString("\n")
	}

	// Worker runtime and supervisor unit.
	b.WriteString("npm install -g @moltagent/agent\n\n")
	b.WriteString("cat > /etc/systemd/system/moltagent.service <<'UNIT'\n")
	b.WriteString("[Unit]\n")
	b.WriteString("Description=MoltAgent worker\n")
	b.WriteString("After=network-online.target\n")
	b.WriteString("Wants=network-online.target\n\n")
	b.WriteString("[Service]\n")
	fmt.Fprintf(&b, "Environment=MOLTAGENT_MANIFEST=%s\n", ManifestPath)
	fmt.Fprintf(&b, "Environment=MOLTAGENT_ID=%s\n", m.Identity.ID)
	fmt.Fprintf(&b, "Environment=MOLTAGENT_GATEWAY_PORT=%d\n", GatewayPort)
	b.WriteString("ExecStart=/usr/bin/moltagent-worker\n")
	b.WriteString("Restart=always\n")
	b.WriteString("RestartSec=5\n\n")
	b.WriteString("[Install]\n")
	b.WriteString("WantedBy=multi-user.target\n")
	b.WriteString("UNIT\n\n")
	b.WriteString("systemctl daemon-reload\n")
	b.WriteString("systemctl enable moltagent\n")
	b.WriteString("systemctl start moltagent\n\n")

	// Best-effort readiness ping; boot must not fail on plane downtime.
	if httpBase := httpBaseFromWS(m.ControlPlane.URL); httpBase != "" {
		fmt.Fprintf(&b, "curl -fsS -m 10 -X POST %s -H 'Content-Type: application/json' -d %s || true\n",
			shellQuote(httpBase+"/moltagent/ready"),
			shellQuote(fmt.Sprintf(`{"agentId":%q}`, m.Identity.ID)))
	}

	return b.String(), nil
}

// httpBaseFromWS rewrites a ws:// or wss:// control-plane URL to its HTTP
// base, dropping any path.
func httpBaseFromWS(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		wsURL = "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		wsURL = "http://" + strings.TrimPrefix(wsURL, "ws://")
	default:
		return ""
	}
	// Keep scheme://host[:port] only.
	rest := wsURL[strings.Index(wsURL, "://")+3:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return wsURL[:strings.Index(wsURL, "://")+3] + rest
}

// shellQuote single-quotes s for safe interpolation into the script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
