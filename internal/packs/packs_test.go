// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package packs_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/DarrenBenson/homelabcmd/internal/packs"
)

type packsSuite struct {
	dir      string
	registry *packs.Registry
}

var _ = gc.Suite(&packsSuite{})

func (s *packsSuite) SetUpTest(c *gc.C) {
	s.dir = c.MkDir()
	c.Assert(os.Mkdir(filepath.Join(s.dir, "templates"), 0o755), jc.ErrorIsNil)
	s.registry = packs.NewRegistry(s.dir)
}

func (s *packsSuite) writePack(c *gc.C, name, content string) {
	err := os.WriteFile(filepath.Join(s.dir, name+".yaml"), []byte(content), 0o644)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *packsSuite) writeTemplate(c *gc.C, name, content string) {
	err := os.WriteFile(filepath.Join(s.dir, "templates", name), []byte(content), 0o644)
	c.Assert(err, jc.ErrorIsNil)
}

const basePack = `
name: base
description: shared baseline
items:
  files:
    - path: /etc/motd
      mode: "644"
      template: motd.tmpl
  packages:
    - name: curl
    - name: htop
  settings:
    - key: TZ
      expected: Europe/London
      type: environment
`

func (s *packsSuite) TestLoadPack(c *gc.C) {
	s.writeTemplate(c, "motd.tmpl", "welcome\n")
	s.writePack(c, "base", basePack)

	pack, err := s.registry.Load("base")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(pack.Name, gc.Equals, "base")
	c.Check(pack.Items.Total(), gc.Equals, 4)
	c.Check(pack.Items.Files[0].Path, gc.Equals, "/etc/motd")
	c.Check(pack.Items.Packages, gc.HasLen, 2)
}

func (s *packsSuite) TestLoadMissingPack(c *gc.C) {
	_, err := s.registry.Load("nope")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *packsSuite) TestNameDefaultsToFilename(c *gc.C) {
	s.writePack(c, "minimal", "items: {}\n")
	pack, err := s.registry.Load("minimal")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(pack.Name, gc.Equals, "minimal")
}

func (s *packsSuite) TestInheritanceMergesChildWins(c *gc.C) {
	s.writeTemplate(c, "motd.tmpl", "welcome\n")
	s.writePack(c, "base", basePack)
	s.writePack(c, "docker-host", `
name: docker-host
extends: base
items:
  packages:
    - name: docker.io
    - name: curl
      min_version: "8.0"
`)

	pack, err := s.registry.Load("docker-host")
	c.Assert(err, jc.ErrorIsNil)
	// Parent items come through; the child's curl entry replaces the
	// parent's in place.
	c.Check(pack.Items.Files, gc.HasLen, 1)
	c.Check(pack.Items.Settings, gc.HasLen, 1)
	names := []string{}
	for _, pkg := range pack.Items.Packages {
		names = append(names, pkg.Name)
	}
	c.Check(names, gc.DeepEquals, []string{"curl", "htop", "docker.io"})
	c.Check(pack.Items.Packages[0].MinVersion, gc.Equals, "8.0")
}

func (s *packsSuite) TestInheritanceCycleRejected(c *gc.C) {
	s.writePack(c, "a", "extends: b\nitems: {}\n")
	s.writePack(c, "b", "extends: a\nitems: {}\n")
	_, err := s.registry.Load("a")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *packsSuite) TestPathTraversalRejected(c *gc.C) {
	_, err := s.registry.Load("../outside")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *packsSuite) TestMissingTemplateRejected(c *gc.C) {
	s.writePack(c, "broken", `
items:
  files:
    - path: /etc/thing
      mode: "644"
      template: missing.tmpl
`)
	_, err := s.registry.Load("broken")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *packsSuite) TestEmptyFilePathRejected(c *gc.C) {
	s.writePack(c, "broken", `
items:
  files:
    - mode: "644"
`)
	_, err := s.registry.Load("broken")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *packsSuite) TestCacheInvalidatedOnModTime(c *gc.C) {
	s.writePack(c, "tuned", "description: one\nitems: {}\n")
	pack, err := s.registry.Load("tuned")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(pack.Description, gc.Equals, "one")

	// Rewrite with a distinct mtime so the cache entry is stale.
	path := filepath.Join(s.dir, "tuned.yaml")
	err = os.WriteFile(path, []byte("description: two\nitems: {}\n"), 0o644)
	c.Assert(err, jc.ErrorIsNil)
	future := time.Now().Add(time.Hour)
	err = os.Chtimes(path, future, future)
	c.Assert(err, jc.ErrorIsNil)

	pack, err = s.registry.Load("tuned")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(pack.Description, gc.Equals, "two")
}

func (s *packsSuite) TestNames(c *gc.C) {
	s.writePack(c, "base", "items: {}\n")
	s.writePack(c, "media", "items: {}\n")
	err := os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("x"), 0o644)
	c.Assert(err, jc.ErrorIsNil)

	names, err := s.registry.Names()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(names, jc.SameContents, []string{"base", "media"})
}

func (s *packsSuite) TestTemplateContent(c *gc.C) {
	s.writeTemplate(c, "motd.tmpl", "welcome\n")
	raw, err := s.registry.TemplateContent("motd.tmpl")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(raw), gc.Equals, "welcome\n")

	_, err = s.registry.TemplateContent("../secret")
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = s.registry.TemplateContent("gone.tmpl")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}
