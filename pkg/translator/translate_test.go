package translator

import (
	"encoding/json"
	"testing"
)

func TestTranslateDeterminism(t *testing.T) {
	cfg := Config{
		Containers: map[string]ContainerSpec{
			"web": {Image: "nginx:1.25", Ports: []int{80}},
		},
		TCP: map[string][]int{"web": {80}},
	}
	in := Input{
		Namespace:    "ci-web",
		InstanceID:   "web",
		CommonLabels: map[string]string{"app": "instancer"},
		Cfg:          cfg,
	}

	w1, s1, r1, err := Translate(in)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	w2, s2, r2, err := Translate(in)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	j1, _ := json.Marshal(w1)
	j2, _ := json.Marshal(w2)
	if string(j1) != string(j2) {
		t.Error("Translate() workloads not deterministic")
	}
	js1, _ := json.Marshal(s1)
	js2, _ := json.Marshal(s2)
	if string(js1) != string(js2) {
		t.Error("Translate() services not deterministic")
	}
	if len(r1) != len(r2) {
		t.Error("Translate() ingress routes not deterministic")
	}
}

func TestTranslateSingleNodePortService(t *testing.T) {
	cfg := Config{
		Containers: map[string]ContainerSpec{
			"web": {Image: "nginx:1.25", Ports: []int{80}},
		},
		TCP: map[string][]int{"web": {80}},
	}
	in := Input{Namespace: "ci-web", InstanceID: "web", Cfg: cfg}

	_, services, _, err := Translate(in)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("len(services) = %d, want 1", len(services))
	}
	if services[0].Name != "web" {
		t.Errorf("service name = %q, want %q", services[0].Name, "web")
	}
}

func TestTranslateMultiServiceRequired(t *testing.T) {
	cfg := Config{
		Containers: map[string]ContainerSpec{
			"web": {Image: "nginx:1.25", Ports: []int{80, 8080}},
		},
		TCP: map[string][]int{"web": {80}},
	}
	in := Input{Namespace: "ci-web", InstanceID: "web", Cfg: cfg}

	if _, _, _, err := Translate(in); err == nil {
		t.Error("Translate() expected error for mixed tcp/private ports without multiService")
	}

	cfg.Containers["web"] = ContainerSpec{Image: "nginx:1.25", Ports: []int{80, 8080}, MultiService: true}
	in.Cfg = cfg
	_, services, _, err := Translate(in)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("len(services) = %d, want 2", len(services))
	}
}

func TestUnsupportedField(t *testing.T) {
	cfg := Config{
		Containers: map[string]ContainerSpec{
			"web": {Image: "nginx:1.25", LivenessProbe: map[string]any{"httpGet": map[string]any{"path": "/"}}},
		},
	}
	in := Input{Namespace: "ci-web", InstanceID: "web", Cfg: cfg}

	if _, _, _, err := Translate(in); err == nil {
		t.Error("Translate() expected ErrNotSupported for livenessProbe")
	}
}

func TestInstancerMetadataInjected(t *testing.T) {
	cfg := Config{
		Containers: map[string]ContainerSpec{
			"web": {Image: "nginx:1.25"},
		},
	}
	in := Input{Namespace: "ci-web", InstanceID: "web", TeamID: "team1", Cfg: cfg}

	workloads, _, _, err := Translate(in)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	env := workloads[0].Spec.Template.Spec.Containers[0].Env
	found := false
	for _, e := range env {
		if e.Name == "INSTANCER_METADATA" {
			found = true
			var meta instancerMetadata
			if err := json.Unmarshal([]byte(e.Value), &meta); err != nil {
				t.Fatalf("unmarshaling INSTANCER_METADATA: %v", err)
			}
			if meta.TeamID != "team1" {
				t.Errorf("meta.TeamID = %q, want team1", meta.TeamID)
			}
		}
	}
	if !found {
		t.Error("INSTANCER_METADATA not injected")
	}
}

func TestMetadataIncludesAllContainersRoutes(t *testing.T) {
	cfg := Config{
		Containers: map[string]ContainerSpec{
			"web": {Image: "nginx:1.25", Ports: []int{80}},
			"bot": {Image: "alpine"},
		},
		HTTP: map[string][]HTTPRoute{
			"web": {{Port: 80, Host: "web.chals.example.com"}},
		},
	}
	in := Input{Namespace: "ci-web", InstanceID: "web", Cfg: cfg}

	workloads, _, _, err := Translate(in)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	// The bot container should still see web's public hostname.
	for _, w := range workloads {
		if w.Name != "bot" {
			continue
		}
		for _, e := range w.Spec.Template.Spec.Containers[0].Env {
			if e.Name != "INSTANCER_METADATA" {
				continue
			}
			var meta instancerMetadata
			if err := json.Unmarshal([]byte(e.Value), &meta); err != nil {
				t.Fatalf("unmarshaling INSTANCER_METADATA: %v", err)
			}
			if meta.HTTP["web"]["80"] != "web.chals.example.com" {
				t.Errorf("meta.HTTP = %v, want web:80 -> web.chals.example.com", meta.HTTP)
			}
			return
		}
	}
	t.Fatal("bot workload or its INSTANCER_METADATA not found")
}

func TestHasEgressLabel(t *testing.T) {
	off := false
	cfg := Config{
		Containers: map[string]ContainerSpec{
			"sandbox": {Image: "alpine", HasEgress: &off},
			"web":     {Image: "nginx:1.25"},
		},
	}
	in := Input{Namespace: "ci-web", InstanceID: "web", Cfg: cfg}

	workloads, _, _, err := Translate(in)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	for _, w := range workloads {
		want := "true"
		if w.Name == "sandbox" {
			want = "false"
		}
		if got := w.Labels[labelHasEgress]; got != want {
			t.Errorf("%s has-egress label = %q, want %q", w.Name, got, want)
		}
	}
}

func TestNetPoliciesCount(t *testing.T) {
	policies := NetPolicies("ci-web", "traefik")
	if len(policies) != 3 {
		t.Fatalf("len(NetPolicies()) = %d, want 3", len(policies))
	}
	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	for _, want := range []string{"intrans", "ingress", "egress"} {
		if !names[want] {
			t.Errorf("missing network policy %q", want)
		}
	}
}
