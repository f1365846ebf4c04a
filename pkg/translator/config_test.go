package translator

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeConfigJSON(t *testing.T) {
	doc := []byte(`{
		"containers": {"web": {"image": "nginx:1.25", "ports": [80]}},
		"tcp": {"web": [80]},
		"http": {"web": [[80, "web.chals.example.com"]]}
	}`)

	cfg, err := DecodeConfig(doc)
	if err != nil {
		t.Fatalf("DecodeConfig() error = %v", err)
	}
	if cfg.Containers["web"].Image != "nginx:1.25" {
		t.Errorf("image = %q, want nginx:1.25", cfg.Containers["web"].Image)
	}
	routes := cfg.HTTP["web"]
	if len(routes) != 1 {
		t.Fatalf("len(routes) = %d, want 1", len(routes))
	}
	if routes[0].Port != 80 || routes[0].Host != "web.chals.example.com" {
		t.Errorf("route = %+v, want {80 web.chals.example.com}", routes[0])
	}
}

func TestDecodeConfigYAML(t *testing.T) {
	doc := []byte(`
containers:
  web:
    image: nginx:1.25
    ports: [80]
http:
  web:
    - [80, web.chals.example.com]
`)

	cfg, err := DecodeConfig(doc)
	if err != nil {
		t.Fatalf("DecodeConfig() error = %v", err)
	}
	if got := cfg.HTTP["web"][0].Host; got != "web.chals.example.com" {
		t.Errorf("host = %q, want web.chals.example.com", got)
	}
}

func TestDecodeConfigUnknownField(t *testing.T) {
	doc := []byte(`{"containers": {}, "bogus": true}`)
	if _, err := DecodeConfig(doc); err == nil {
		t.Error("DecodeConfig() expected error for unknown top-level field")
	}
}

func TestHTTPRouteRoundTrip(t *testing.T) {
	in := HTTPRoute{Port: 1337, Host: "pwn.chals.example.com"}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `[1337,"pwn.chals.example.com"]` {
		t.Errorf("Marshal() = %s, want [1337,\"pwn.chals.example.com\"]", data)
	}

	var out HTTPRoute
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestHTTPRouteUnmarshalRejectsWrongArity(t *testing.T) {
	var r HTTPRoute
	if err := json.Unmarshal([]byte(`[80]`), &r); err == nil {
		t.Error("Unmarshal() expected error for single-element pair")
	}
	if err := json.Unmarshal([]byte(`[80, "a", "b"]`), &r); err == nil {
		t.Error("Unmarshal() expected error for three-element pair")
	}
}

func TestValidateConfig(t *testing.T) {
	valid := Config{
		Containers: map[string]ContainerSpec{
			"web": {Image: "nginx:1.25", Ports: []int{80}},
		},
		TCP: map[string][]int{"web": {80}},
	}

	tests := []struct {
		name    string
		mutate  func(Config) Config
		wantErr bool
	}{
		{"valid", func(c Config) Config { return c }, false},
		{
			"no containers",
			func(c Config) Config { c.Containers = nil; return c },
			true,
		},
		{
			"invalid container id",
			func(c Config) Config {
				c.Containers = map[string]ContainerSpec{"-bad-": {Image: "alpine"}}
				c.TCP = nil
				return c
			},
			true,
		},
		{
			"reserved suffix",
			func(c Config) Config {
				c.Containers = map[string]ContainerSpec{"c-instancer-external": {Image: "alpine"}}
				c.TCP = nil
				return c
			},
			true,
		},
		{
			"missing image",
			func(c Config) Config {
				c.Containers = map[string]ContainerSpec{"web": {Ports: []int{80}}}
				return c
			},
			true,
		},
		{
			"port out of range",
			func(c Config) Config {
				c.Containers = map[string]ContainerSpec{"web": {Image: "alpine", Ports: []int{70000}}}
				c.TCP = nil
				return c
			},
			true,
		},
		{
			"tcp undeclared container",
			func(c Config) Config {
				c.TCP = map[string][]int{"other": {80}}
				return c
			},
			true,
		},
		{
			"http undeclared container",
			func(c Config) Config {
				c.HTTP = map[string][]HTTPRoute{"other": {{Port: 80, Host: "x.example.com"}}}
				return c
			},
			true,
		},
		{
			"mixed ports without multiService",
			func(c Config) Config {
				c.Containers = map[string]ContainerSpec{"web": {Image: "alpine", Ports: []int{80, 8080}}}
				return c
			},
			true,
		},
		{
			"mixed ports with multiService",
			func(c Config) Config {
				c.Containers = map[string]ContainerSpec{"web": {Image: "alpine", Ports: []int{80, 8080}, MultiService: true}}
				return c
			},
			false,
		},
		{
			"unsupported field",
			func(c Config) Config {
				c.Containers = map[string]ContainerSpec{"web": {Image: "alpine", VolumeMounts: []any{"x"}}}
				c.TCP = nil
				return c
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.mutate(valid))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) && !errors.Is(err, ErrNotSupported) {
				t.Errorf("ValidateConfig() error = %v, want ErrInvalidConfig or ErrNotSupported", err)
			}
		})
	}
}

func TestValidID(t *testing.T) {
	for id, want := range map[string]bool{
		"web":       true,
		"a":         true,
		"my-chall1": true,
		"-bad":      false,
		"bad-":      false,
		"Bad":       false,
		"":          false,
	} {
		if got := ValidID(id); got != want {
			t.Errorf("ValidID(%q) = %v, want %v", id, got, want)
		}
	}
}
