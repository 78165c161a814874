package service

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wenwu/saas-platform/panel-order-service/internal/client"
	"github.com/wenwu/saas-platform/panel-order-service/internal/models"
)

const uriOp = "build connection uri"

// vmessLink is the JSON document carried base64-encoded by vmess:// links.
// Field order follows what common clients emit.
type vmessLink struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port string `json:"port"`
	ID   string `json:"id"`
	Aid  string `json:"aid"`
	Scy  string `json:"scy"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni"`
	ALPN string `json:"alpn"`
	FP   string `json:"fp,omitempty"`
}

// ComposeConnectionURI renders the client link for grant on inbound. The
// host is taken from the panel base URL and falls back to the inbound's
// listen address.
func ComposeConnectionURI(baseURL string, inbound *client.Inbound, grant *models.Grant) (string, error) {
	if inbound == nil || grant == nil {
		return "", invalidURI("inbound and grant are required")
	}

	host := panelHost(baseURL)
	if host == "" {
		host = inbound.Listen
	}
	if host == "" {
		return "", invalidURI("no host for inbound %d", inbound.ID)
	}
	if inbound.Port <= 0 {
		return "", invalidURI("inbound %d has no port", inbound.ID)
	}

	stream := gjson.Result{}
	if raw := strings.TrimSpace(inbound.StreamSettings); raw != "" {
		if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
			return "", invalidURI("unparsable stream settings on inbound %d", inbound.ID)
		}
		stream = gjson.Parse(raw)
	}
	network := orDefault(stream.Get("network").String(), "tcp")
	security := orDefault(stream.Get("security").String(), "none")

	tlsParams, err := securityParameters(stream, security)
	if err != nil {
		return "", err
	}
	netParams, err := networkParameters(stream, network)
	if err != nil {
		return "", err
	}

	remark := inbound.Remark
	if remark == "" {
		remark = grant.Email
	}
	if remark == "" {
		remark = "VPN"
	}
	hostPort := joinHostPort(host, inbound.Port)

	switch strings.ToLower(inbound.Protocol) {
	case "vless":
		if grant.ClientID == "" {
			return "", invalidURI("grant has no client id")
		}
		params := url.Values{}
		params.Set("type", network)
		params.Set("encryption", "none")
		merge(params, tlsParams)
		merge(params, netParams)
		return fmt.Sprintf("vless://%s@%s?%s#%s", grant.ClientID, hostPort, params.Encode(), url.PathEscape(remark)), nil

	case "vmess":
		if grant.ClientID == "" {
			return "", invalidURI("grant has no client id")
		}
		link := vmessLink{
			V:    "2",
			PS:   remark,
			Add:  host,
			Port: strconv.Itoa(inbound.Port),
			ID:   grant.ClientID,
			Aid:  "0",
			Scy:  "auto",
			Net:  network,
			Type: orDefault(netParams.Get("headerType"), "none"),
			Host: orDefault(netParams.Get("host"), tlsParams.Get("sni")),
			Path: netParams.Get("path"),
			SNI:  tlsParams.Get("sni"),
			ALPN: tlsParams.Get("alpn"),
			FP:   tlsParams.Get("fp"),
		}
		if security != "none" {
			link.TLS = security
		}
		raw, err := json.Marshal(link)
		if err != nil {
			return "", fmt.Errorf("marshal vmess link: %w", err)
		}
		return "vmess://" + base64.StdEncoding.EncodeToString(raw), nil

	case "trojan":
		password := trojanPassword(inbound, grant)
		if password == "" {
			return "", invalidURI("grant has no trojan password")
		}
		params := url.Values{}
		params.Set("type", network)
		merge(params, tlsParams)
		merge(params, netParams)
		return fmt.Sprintf("trojan://%s@%s?%s#%s", url.PathEscape(password), hostPort, params.Encode(), url.PathEscape(remark)), nil
	}

	return "", invalidURI("unsupported protocol %q", inbound.Protocol)
}

// securityParameters collects tls or reality query parameters.
func securityParameters(stream gjson.Result, security string) (url.Values, error) {
	params := url.Values{}
	switch security {
	case "none", "":
		return params, nil
	case "reality":
		rs := stream.Get("realitySettings")
		params.Set("security", "reality")
		pbk := firstString(rs, "settings.publicKey", "publicKey")
		if pbk == "" {
			return nil, invalidURI("reality inbound has no public key")
		}
		params.Set("pbk", pbk)
		setIf(params, "sni", firstString(rs, "serverNames.0", "settings.serverName", "serverName"))
		setIf(params, "sid", firstString(rs, "shortIds.0", "shortId"))
		setIf(params, "fp", firstString(rs, "settings.fingerprint", "fingerprint"))
		setIf(params, "spx", firstString(rs, "settings.spiderX", "spiderX"))
		return params, nil
	}

	params.Set("security", security)
	ts := stream.Get(security + "Settings")
	setIf(params, "sni", firstString(ts, "serverName", "settings.serverName"))
	setIf(params, "fp", firstString(ts, "fingerprint", "settings.fingerprint"))
	if alpn := ts.Get("alpn"); alpn.IsArray() {
		var values []string
		for _, v := range alpn.Array() {
			if v.String() != "" {
				values = append(values, v.String())
			}
		}
		setIf(params, "alpn", strings.Join(values, ","))
	}
	return params, nil
}

// networkParameters collects transport specific query parameters.
func networkParameters(stream gjson.Result, network string) (url.Values, error) {
	params := url.Values{}
	switch network {
	case "ws":
		ws := stream.Get("wsSettings")
		setIf(params, "path", ws.Get("path").String())
		setIf(params, "host", firstString(ws, "headers.Host", "host"))
	case "grpc":
		grpc := stream.Get("grpcSettings")
		name := grpc.Get("serviceName").String()
		if name == "" {
			return nil, invalidURI("grpc inbound has no service name")
		}
		params.Set("serviceName", name)
		if grpc.Get("multiMode").Bool() {
			params.Set("mode", "multi")
		} else {
			setIf(params, "mode", grpc.Get("mode").String())
		}
	case "tcp":
		if t := stream.Get("tcpSettings.header.type").String(); t != "" && t != "none" {
			params.Set("headerType", t)
		}
	case "http", "h2":
		hs := stream.Get("httpSettings")
		setIf(params, "path", joinList(hs.Get("path")))
		setIf(params, "host", joinList(hs.Get("host")))
	}
	return params, nil
}

// trojanPassword prefers the password the panel stored for the client and
// falls back to the client id.
func trojanPassword(inbound *client.Inbound, grant *models.Grant) string {
	if inbound.Settings != "" {
		for _, c := range gjson.Get(inbound.Settings, "clients").Array() {
			if c.Get("id").String() == grant.ClientID || c.Get("email").String() == grant.Email {
				if pw := c.Get("password").String(); pw != "" {
					return pw
				}
			}
		}
	}
	return grant.ClientID
}

func panelHost(baseURL string) string {
	u, err := url.Parse(client.APIBase(baseURL))
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

func joinList(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	var out []string
	for _, item := range v.Array() {
		if item.String() != "" {
			out = append(out, item.String())
		}
	}
	return strings.Join(out, ",")
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := v.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}

func setIf(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

func merge(dst, src url.Values) {
	for k, v := range src {
		dst[k] = v
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func invalidURI(format string, args ...interface{}) error {
	return &client.ValidationError{Op: uriOp, Reason: fmt.Sprintf(format, args...)}
}
