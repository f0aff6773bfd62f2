package config_test

import (
	"path/filepath"
	"testing"

	"github.com/dswd/zvault/internal/config"
	rtest "github.com/dswd/zvault/internal/test"
)

func TestGenerateAndLoadKeypair(t *testing.T) {
	dir := filepath.Join(rtest.TempDir(t), "keys")

	kp, err := config.GenerateAndSaveKeypair(dir, "default")
	rtest.OK(t, err)

	loaded, err := config.LoadKeypair(dir, "default")
	rtest.OK(t, err)
	rtest.Equals(t, kp.Public, loaded.Public)
	rtest.Assert(t, loaded.Secret != nil, "expected secret key to be loaded")
	rtest.Equals(t, *kp.Secret, *loaded.Secret)
}

func TestRemoveSecretKeyLeavesPublicOnly(t *testing.T) {
	dir := filepath.Join(rtest.TempDir(t), "keys")

	_, err := config.GenerateAndSaveKeypair(dir, "default")
	rtest.OK(t, err)

	rtest.OK(t, config.RemoveSecretKey(dir, "default"))

	loaded, err := config.LoadKeypair(dir, "default")
	rtest.OK(t, err)
	rtest.Assert(t, loaded.Secret == nil, "expected secret key to be gone")
}
