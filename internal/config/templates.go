package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
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

const serverTemplate = `name = "scenesrv"
discovery_port = 10600
service_port = 10500
http_addr = ":10580"
transport = "ws"
tick_rate = 60
chunk_budget = 65536
compress_textures = true
external_texture_bytes = 1048576
# empty serves the built-in demo scene
scene = ""
asset_db = "scenesrv-assets.db"
token = "temp-side-channel-key"
cors_origins = ["http://localhost:3000"]
request_timeout = "10s"
idle_timeout = "30s"
control_model = "none"

[video]
codec = "hevc"
width = 1920
height = 1080
framerate = 60
bitrate_kbps = 40000
cubemap = false
use_10bit = false
use_444 = false
alpha = false

[tls]
# required when transport = "quic"
cert_file = ""
key_file = ""
`

const clientTemplate = `client_id = 1
discovery = "255.255.255.255:10600"
# set to skip discovery
service_addr = ""
transport = "ws"
tick_rate = 60
lifetime = "30s"
lifetime_factor = 1.0
width = 1920
height = 1080
framerate = 60
max_bandwidth_kbps = 0
token = "temp-side-channel-key"

[tls]
insecure = true
`
