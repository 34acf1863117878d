// Command vas is a CLI for inspecting versioned array containers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"

	"github.com/vasdb/vas"
	"github.com/vasdb/vas/session"
	"github.com/vasdb/vas/store"
	_ "github.com/vasdb/vas/store/file"
	_ "github.com/vasdb/vas/store/logging"
	_ "github.com/vasdb/vas/store/lru"
	_ "github.com/vasdb/vas/store/mem"
	_ "github.com/vasdb/vas/store/pg"
	_ "github.com/vasdb/vas/store/sqlite3"
)

type maincmd struct {
	s    *session.Session
	repo vas.Repository
}

func main() {
	config := flag.String("config", "vasconf.json", "path to config file")
	flag.Parse()

	if *config == "" {
		log.Fatal("Config value not set")
	}

	var conf map[string]interface{}
	f, err := os.Open(*config)
	if err != nil {
		log.Fatalf("Opening config file %s: %s", *config, err)
	}
	defer f.Close()

	err = json.NewDecoder(f).Decode(&conf)
	if err != nil {
		log.Fatalf("Decoding config file %s: %s", *config, err)
	}

	typ, ok := conf["type"].(string)
	if !ok {
		log.Fatalf("Config file %s missing `type` parameter", *config)
	}

	ctx := context.Background()

	repo, err := store.Create(ctx, typ, conf)
	if err != nil {
		log.Fatalf("Creating %s-type store: %s", typ, err)
	}

	sess, err := session.Open(repo)
	if err != nil {
		log.Fatalf("Opening session: %s", err)
	}
	defer sess.Close(ctx)

	err = subcmd.Run(ctx, maincmd{s: sess, repo: repo}, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
}

func (c maincmd) Subcmds() subcmd.Map {
	return subcmd.Commands(
		"versions", c.versions, nil,
		"info", c.info, subcmd.Params(
			"version", subcmd.String, "", "version name (default: latest)",
			"at", subcmd.String, "", "timestamp to resolve (default: latest)",
		),
		"read", c.read, subcmd.Params(
			"version", subcmd.String, "", "version name (default: latest)",
			"at", subcmd.String, "", "timestamp to resolve (default: latest)",
		),
		"delete-version", c.deleteVersion, nil,
		"gc", c.gc, nil,
		"unlock", c.unlock, nil,
	)
}

var layouts = []string{
	vas.TimeLayout, time.RFC3339Nano, time.RFC3339, time.ANSIC, time.UnixDate,
}

func parsetime(s string) (time.Time, error) {
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil { // sic
			return t, nil
		}
	}
	return time.Time{}, errors.New("could not parse time")
}

// snapshot resolves the -version / -at flag pair common to read
// subcommands: an explicit version name wins, then a timestamp, then
// the latest version.
func (c maincmd) snapshot(ctx context.Context, version, atstr string) (*session.Snapshot, error) {
	if version != "" {
		return c.s.Version(ctx, version)
	}
	if atstr != "" {
		at, err := parsetime(atstr)
		if err != nil {
			return nil, errors.Wrap(err, "parsing -at")
		}
		return c.s.At(ctx, at)
	}
	return c.s.Latest(ctx)
}
