package reaper

import (
	"context"
	"strconv"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/acmcyber/instancer/pkg/cluster"
)

type fakeEngine struct {
	stopped []string
	stopErr map[string]error
}

func (f *fakeEngine) Stop(ctx context.Context, namespace string) error {
	if err := f.stopErr[namespace]; err != nil {
		return err
	}
	f.stopped = append(f.stopped, namespace)
	return nil
}

type fakeIndex struct {
	expirations map[string]int64
	bootTimes   map[string]int64
	lastResync  int64
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{expirations: map[string]int64{}, bootTimes: map[string]int64{}}
}

func (f *fakeIndex) ExpiredBefore(ctx context.Context, cutoff int64) ([]string, error) {
	var out []string
	for ns, score := range f.expirations {
		if score <= cutoff {
			out = append(out, ns)
		}
	}
	return out, nil
}

func (f *fakeIndex) AllExpirations(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(f.expirations))
	for k, v := range f.expirations {
		out[k] = v
	}
	return out, nil
}

func (f *fakeIndex) AllBootTimes(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(f.bootTimes))
	for k, v := range f.bootTimes {
		out[k] = v
	}
	return out, nil
}

func (f *fakeIndex) SetExpiration(ctx context.Context, namespace string, unixSeconds int64) error {
	f.expirations[namespace] = unixSeconds
	return nil
}

func (f *fakeIndex) SetBootTime(ctx context.Context, namespace string, unixSeconds int64) error {
	f.bootTimes[namespace] = unixSeconds
	return nil
}

func (f *fakeIndex) RemoveExpiration(ctx context.Context, namespace string) error {
	delete(f.expirations, namespace)
	return nil
}

func (f *fakeIndex) RemoveBootTime(ctx context.Context, namespace string) error {
	delete(f.bootTimes, namespace)
	return nil
}

func (f *fakeIndex) LastResync(ctx context.Context) (int64, error) {
	return f.lastResync, nil
}

func (f *fakeIndex) MarkResync(ctx context.Context, unixSeconds int64) error {
	f.lastResync = unixSeconds
	return nil
}

type fakeCluster struct {
	namespaces []corev1.Namespace
}

func (f *fakeCluster) ListNamespaces(ctx context.Context) ([]corev1.Namespace, error) {
	return f.namespaces, nil
}

func namespaceWithAnnotations(name string, expires, start int64) corev1.Namespace {
	return corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Annotations: map[string]string{
				cluster.AnnotationExpires:   strconv.FormatInt(expires, 10),
				cluster.AnnotationStartTime: strconv.FormatInt(start, 10),
			},
		},
	}
}

func TestTickExpiresLapsedNamespaces(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	idx := newFakeIndex()
	idx.expirations["ci-past"] = now.Unix() - 10
	idx.expirations["ci-future"] = now.Unix() + 1000
	idx.lastResync = now.Unix()

	eng := &fakeEngine{stopErr: map[string]error{}}
	r := &Reaper{
		Engine:  eng,
		Index:   idx,
		Cluster: &fakeCluster{},
		Now:     func() time.Time { return now },
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(eng.stopped) != 1 || eng.stopped[0] != "ci-past" {
		t.Fatalf("expected ci-past stopped, got %v", eng.stopped)
	}
}

func TestTickSkipsResyncWhenNotDue(t *testing.T) {
	now := time.Unix(2_000_000, 0)
	idx := newFakeIndex()
	idx.lastResync = now.Unix() - 5 // resync interval default 60s, not due

	cl := &fakeCluster{namespaces: []corev1.Namespace{namespaceWithAnnotations("ci-a", now.Unix()+100, now.Unix())}}
	r := &Reaper{
		Engine:  &fakeEngine{},
		Index:   idx,
		Cluster: cl,
		Now:     func() time.Time { return now },
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if _, ok := idx.expirations["ci-a"]; ok {
		t.Fatal("expected resync to be skipped, but ci-a was indexed")
	}
}

func TestResyncUpsertsFromAnnotations(t *testing.T) {
	now := time.Unix(3_000_000, 0)
	idx := newFakeIndex()
	idx.lastResync = 0 // always due

	cl := &fakeCluster{namespaces: []corev1.Namespace{
		namespaceWithAnnotations("ci-a", now.Unix()+500, now.Unix()-100),
	}}
	r := &Reaper{
		Engine:  &fakeEngine{},
		Index:   idx,
		Cluster: cl,
		Now:     func() time.Time { return now },
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if got, want := idx.expirations["ci-a"], now.Unix()+500; got != want {
		t.Fatalf("expiration = %d, want %d", got, want)
	}
	if got, want := idx.bootTimes["ci-a"], now.Unix()-100; got != want {
		t.Fatalf("boot_time = %d, want %d", got, want)
	}
	if idx.lastResync != now.Unix() {
		t.Fatalf("last_resync not updated, got %d", idx.lastResync)
	}
}

func TestResyncCorrectsDriftIndependently(t *testing.T) {
	now := time.Unix(4_000_000, 0)
	idx := newFakeIndex()
	idx.lastResync = 0
	// ci-stale-exp has an expiration entry but the cluster namespace no
	// longer carries that annotation (it was removed out of band); its
	// boot_time entry is still valid.
	idx.expirations["ci-stale-exp"] = now.Unix() + 100
	idx.bootTimes["ci-stale-exp"] = now.Unix() - 50

	cl := &fakeCluster{namespaces: []corev1.Namespace{
		{
			ObjectMeta: metav1.ObjectMeta{
				Name: "ci-stale-exp",
				Annotations: map[string]string{
					cluster.AnnotationStartTime: strconv.FormatInt(now.Unix()-50, 10),
				},
			},
		},
	}}

	r := &Reaper{
		Engine:  &fakeEngine{},
		Index:   idx,
		Cluster: cl,
		Now:     func() time.Time { return now },
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if _, ok := idx.expirations["ci-stale-exp"]; ok {
		t.Fatal("expected stale expiration entry to be removed")
	}
	if _, ok := idx.bootTimes["ci-stale-exp"]; !ok {
		t.Fatal("boot_time entry should have survived drift correction")
	}
}

func TestExpireContinuesAfterStopError(t *testing.T) {
	now := time.Unix(5_000_000, 0)
	idx := newFakeIndex()
	idx.expirations["ci-bad"] = now.Unix() - 1
	idx.expirations["ci-good"] = now.Unix() - 1
	idx.lastResync = now.Unix()

	eng := &fakeEngine{stopErr: map[string]error{"ci-bad": context.DeadlineExceeded}}
	r := &Reaper{
		Engine:  eng,
		Index:   idx,
		Cluster: &fakeCluster{},
		Now:     func() time.Time { return now },
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(eng.stopped) != 1 || eng.stopped[0] != "ci-good" {
		t.Fatalf("expected only ci-good stopped, got %v", eng.stopped)
	}
}
