package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/casfs/casfs/internal/config"
	. "github.com/jacobsa/ogletest"
)

func TestConfig(t *testing.T) { RunTests(t) }

type ConfigTest struct {
	dir string
}

func init() { RegisterTestSuite(&ConfigTest{}) }

func (t *ConfigTest) SetUp(ti *TestInfo) {
	var err error
	t.dir, err = os.MkdirTemp("", "casfs_config_test_")
	AssertEq(nil, err)
}

func (t *ConfigTest) TearDown() {
	os.RemoveAll(t.dir)
}

func (t *ConfigTest) MissingFileYieldsBase() {
	base := config.Default()
	base.Sidecar = "/sidecar"

	got, err := config.Load(filepath.Join(t.dir, "missing.yaml"), base)
	AssertEq(nil, err)
	ExpectEq("/sidecar", got.Sidecar)
}

func (t *ConfigTest) FileOverridesBase() {
	p := filepath.Join(t.dir, "casfsd.yaml")
	AssertEq(nil, os.WriteFile(p, []byte("mount: /mnt/casfs\nanonymity: 3\n"), 0o600))

	base := config.Default()
	got, err := config.Load(p, base)
	AssertEq(nil, err)

	ExpectEq("/mnt/casfs", got.Mount)
	ExpectEq(3, got.Anonymity)
}

func (t *ConfigTest) ValidateRequiresSidecarMountAndStore() {
	var c config.Config
	ExpectTrue(c.Validate() != nil)

	c.Sidecar = "/s"
	c.Mount = "/m"
	ExpectTrue(c.Validate() != nil)

	c.StoreDir = "/d"
	ExpectEq(nil, c.Validate())
}
