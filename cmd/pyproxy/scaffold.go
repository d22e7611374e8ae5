package main

import (
	"os"
)

const starterConfig = `# pyproxy starter configuration. Fill in the trojan section and adjust
# routing rules to taste, then run: pyproxy --config config.yaml

trojan:
  server: proxy.example.com
  port: 443
  password: "change-me"
  verify_ssl: true
  # sni: proxy.example.com

local:
  listen: 127.0.0.1
  port: 1080

routing:
  direct_domains: []
  proxy_domains:
    - "*"

log:
  level: INFO
  verbose_traffic: false
  show_http_details: false

relay:
  # rate_limit_kbps caps combined throughput per connection; 0 disables it.
  rate_limit_kbps: 0
`

// scaffoldConfig writes a commented starter config.yaml at path, refusing
// to overwrite an existing file.
func scaffoldConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return os.ErrExist
	}
	return os.WriteFile(path, []byte(starterConfig), 0644)
}
