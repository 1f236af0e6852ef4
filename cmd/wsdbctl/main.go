package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/prosql-io/wsdb"
)

func main() {
	var config = flag.String("config", "", "Path to a server config file (json/yaml/ini)")
	var section = flag.String("section", "", "Config file section to read")
	var envFile = flag.String("env", "", "Path to a .env-style credentials file")
	var host = flag.String("host", "", "Daemon host")
	var port = flag.Int("port", 8076, "Daemon port")
	var user = flag.String("user", "", "User")
	var pass = flag.String("pass", "", "Password")
	var insecure = flag.Bool("insecure", false, "Skip certificate verification")
	var sqlStmt = flag.String("sql", "", "Statement to run")
	var rows = flag.Int("rows", 100, "Rows per fetch")
	var timeout = flag.Duration("timeout", 30*time.Second, "Per-operation timeout")
	var version = flag.Bool("version", false, "Print the daemon version and exit")
	var verbose = flag.Bool("verbose", false, "Debug logging")
	flag.Parse()

	flag.Usage = func() {
		w := flag.CommandLine.Output()
		fmt.Fprintf(w, "wsdbctl usage:\n")
		flag.PrintDefaults()
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	server, err := loadServer(*config, *section, *envFile, *host, *port, *user, *pass, *insecure)
	if err != nil {
		log.Fatal(err)
	}

	if *sqlStmt == "" && !*version {
		flag.Usage()
		return
	}

	ctx := context.Background()
	pool, err := wsdb.OpenPool(ctx, wsdb.PoolOptions{
		Server:       server,
		MaxSize:      1,
		StartingSize: 1,
		Timeout:      *timeout,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	if *version {
		job, err := pool.Acquire(ctx)
		if err != nil {
			log.Fatal(err)
		}
		v, err := job.GetVersion(ctx)
		pool.Release(job)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%s (%s)\n", v.Version, v.BuildDate)
		return
	}

	q, err := pool.Query(ctx, *sqlStmt, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer q.Close(ctx)

	page, err := q.Run(ctx, *rows)
	if err != nil {
		log.Fatal(err)
	}

	out := json.NewEncoder(os.Stdout)
	for {
		for _, row := range page.Data {
			out.Encode(row)
		}
		if page.IsDone {
			break
		}
		page, err = q.FetchMore(ctx, *rows)
		if err != nil {
			log.Fatal(err)
		}
	}

	if page.UpdateCount > 0 {
		fmt.Fprintf(os.Stderr, "%d rows affected\n", page.UpdateCount)
	}
}

func loadServer(config, section, envFile, host string, port int, user, pass string, insecure bool) (*wsdb.ServerConfig, error) {
	if config != "" {
		return wsdb.LoadServerConfig(config, section)
	}
	if envFile != "" {
		return wsdb.ServerConfigFromEnvFiles(envFile)
	}
	return &wsdb.ServerConfig{
		Host:               host,
		Port:               port,
		User:               user,
		Password:           pass,
		IgnoreUnauthorized: insecure,
	}, nil
}
