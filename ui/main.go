package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/eikeland/sqlq"
	"github.com/eikeland/sqlq/mongodb"
	"github.com/eikeland/sqlq/mysql"
	"github.com/eikeland/sqlq/sqlite"
	"github.com/eikeland/sqlq/ui/server"
)

func main() {
	const (
		exampleMySQLURL = "root@tcp(127.0.0.1:3306)/sqlq_ui?loc=UTC&parseTime=true"
	)
	var (
		addr   = flag.String("addr", "127.0.0.1:12345", "HTTP bind address")
		dbtype = flag.String("dbtype", "sqlite", "Storage type (memory, sqlite, mysql or mongodb)")
		dburl  = flag.String("dburl", "sqlq.db", "Store location, e.g. a SQLite file path, "+exampleMySQLURL+" or mongodb://localhost/sqlq")
	)
	flag.Parse()

	// Initialize the store
	var err error
	var store sqlq.Store
	switch *dbtype {
	case "sqlite":
		store, err = sqlite.NewStore(*dburl)
	case "mysql":
		store, err = mysql.NewStore(*dburl)
	case "mongodb":
		store, err = mongodb.NewStore(*dburl)
	case "memory":
	default:
		log.Fatal("unsupported dbtype; use memory, sqlite, mysql or mongodb")
	}
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the queue
	var options []sqlq.Option
	if store != nil {
		options = append(options, sqlq.SetStore(store))
	}
	q, err := sqlq.New(options...)
	if err != nil {
		log.Fatal(err)
	}

	errc := make(chan error, 1)

	go func() {
		log.Printf("web server listening on %v", *addr)
		s := server.New(q)
		errc <- s.Serve(*addr)
	}()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("recv signal %v", fmt.Sprint(<-c))
		errc <- nil
	}()

	if err := <-errc; err != nil {
		log.Printf("exit with error %v", err)
		os.Exit(1)
	}
}
