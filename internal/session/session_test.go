package session

import (
	"sync"
	"testing"

	"github.com/foundry/depot/internal/core/models"
)

func TestData_GetSet(t *testing.T) {
	var d Data

	if d.Get("missing") != nil {
		t.Error("missing key should be nil")
	}
	d.Set("key", "value")
	if d.Get("key") != "value" {
		t.Errorf("Get = %v, want value", d.Get("key"))
	}
}

func TestData_CompareAndSet(t *testing.T) {
	var d Data

	if !d.CompareAndSet("key", nil, "first") {
		t.Fatal("CAS against absent entry should succeed")
	}
	if d.CompareAndSet("key", nil, "second") {
		t.Error("CAS with nil against present entry should fail")
	}
	if !d.CompareAndSet("key", "first", "second") {
		t.Error("CAS with matching old value should succeed")
	}
	if d.Get("key") != "second" {
		t.Errorf("value = %v, want second", d.Get("key"))
	}
}

func TestData_ConcurrentCreatorsConverge(t *testing.T) {
	var d Data

	const workers = 16
	var wg sync.WaitGroup
	values := make([]any, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			mine := &sync.Map{}
			for {
				if cur := d.Get("memo"); cur != nil {
					values[n] = cur
					return
				}
				if d.CompareAndSet("memo", nil, mine) {
					values[n] = mine
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if values[i] != values[0] {
			t.Fatal("concurrent creators should converge on one instance")
		}
	}
}

func TestSession_ConfigGetters(t *testing.T) {
	s := &Session{Config: map[string]any{
		"str":   "hello",
		"bool":  true,
		"boolS": "false",
		"int":   7,
		"intS":  "42",
		"list":  "a, b ,,c",
	}}

	if got := s.GetString("str", "d"); got != "hello" {
		t.Errorf("GetString = %q", got)
	}
	if got := s.GetString("absent", "d"); got != "d" {
		t.Errorf("GetString default = %q", got)
	}
	if !s.GetBool("bool", false) {
		t.Error("GetBool typed")
	}
	if s.GetBool("boolS", true) {
		t.Error("GetBool parsed string")
	}
	if got := s.GetInt("int", 0); got != 7 {
		t.Errorf("GetInt = %d", got)
	}
	if got := s.GetInt("intS", 0); got != 42 {
		t.Errorf("GetInt parsed = %d", got)
	}
	list := s.GetList("list")
	if len(list) != 3 || list[0] != "a" || list[1] != "b" || list[2] != "c" {
		t.Errorf("GetList = %v", list)
	}
	if s.GetList("absent") != nil {
		t.Error("GetList absent should be nil")
	}
}

func TestSession_EffectivePolicy(t *testing.T) {
	s := &Session{UpdatePolicy: models.UpdateAlways, ChecksumPolicy: models.ChecksumFail}

	policy := s.EffectivePolicy(models.RepositoryPolicy{
		Enabled: true, UpdatePolicy: models.UpdateDaily, ChecksumPolicy: models.ChecksumWarn,
	})
	if policy.UpdatePolicy != models.UpdateAlways {
		t.Errorf("update policy = %q, want session override", policy.UpdatePolicy)
	}
	if policy.ChecksumPolicy != models.ChecksumFail {
		t.Errorf("checksum policy = %q, want session override", policy.ChecksumPolicy)
	}

	unchanged := (&Session{}).EffectivePolicy(models.RepositoryPolicy{UpdatePolicy: models.UpdateDaily})
	if unchanged.UpdatePolicy != models.UpdateDaily {
		t.Error("no override should leave the policy untouched")
	}
}
