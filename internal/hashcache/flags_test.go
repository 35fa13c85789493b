package hashcache

import "testing"

func TestFlagsChangedMissingFingerprint(t *testing.T) {
	c := newCache(t)
	changed, err := c.FlagsChanged("api-binary", map[string]string{"dev": "true"})
	if err != nil {
		t.Fatalf("flags changed: %v", err)
	}
	if !changed {
		t.Fatalf("target without a fingerprint must count as changed")
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	c := newCache(t)
	flags := map[string]string{"arch": "amd64", "dev": "false"}
	if err := c.RecordFlags("api-binary", flags); err != nil {
		t.Fatalf("record flags: %v", err)
	}

	changed, err := c.FlagsChanged("api-binary", flags)
	if err != nil {
		t.Fatalf("flags changed: %v", err)
	}
	if changed {
		t.Fatalf("identical flags must not count as changed")
	}

	changed, err = c.FlagsChanged("api-binary", map[string]string{"arch": "amd64", "dev": "true"})
	if err != nil {
		t.Fatalf("flags changed: %v", err)
	}
	if !changed {
		t.Fatalf("changed value must invalidate the fingerprint")
	}

	changed, err = c.FlagsChanged("api-binary", map[string]string{"arch": "amd64"})
	if err != nil {
		t.Fatalf("flags changed: %v", err)
	}
	if !changed {
		t.Fatalf("dropped key must invalidate the fingerprint")
	}
}

func TestFlagsPerTarget(t *testing.T) {
	c := newCache(t)
	if err := c.RecordFlags("api-binary", map[string]string{"dev": "true"}); err != nil {
		t.Fatalf("record flags: %v", err)
	}
	changed, err := c.FlagsChanged("driver-binary", map[string]string{"dev": "true"})
	if err != nil {
		t.Fatalf("flags changed: %v", err)
	}
	if !changed {
		t.Fatalf("fingerprints must be tracked per target")
	}
}
