package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "networks":
		return networksTemplate, nil
	case "daemon":
		return daemonTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const networksTemplate = `[[networks]]
id = "libera"
host = "irc.libera.chat"
port = 6697
tls = true
nick = "ircmux"
alt_nicks = ["ircmux_", "ircmux__"]
realname = "ircmux"
password_secret = ""
autojoin = ["#ircmux"]
auto_connect = true

[[networks]]
id = "local"
host = "127.0.0.1"
port = 6667
tls = false
allow_plaintext = true
nick = "ircmux"
auto_connect = false
`

const daemonTemplate = `api_addr = "127.0.0.1:8690"
cors_origins = ["http://localhost:5173"]
networks_file = "networks.toml"
secrets_dir = ""
secret_env_prefix = "IRCMUX_SECRET"
api_token_secret = ""
retention = 1000

reconnect_base_delay = "2s"
reconnect_max_delay = "5m"
reconnect_jitter = 0.1

connectivity_probe = true
connectivity_targets = ["1.1.1.1:443", "8.8.8.8:443"]
connectivity_interval = "10s"

dcc_mode = "auto"
dcc_port_min = 0
dcc_port_max = 0
dcc_advertise_host = ""
dcc_download_dir = "downloads"
`
