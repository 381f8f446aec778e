package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/landsendsolo/junkshop-live/checkout"
	"github.com/landsendsolo/junkshop-live/config"
	"github.com/landsendsolo/junkshop-live/kafka"
	"github.com/landsendsolo/junkshop-live/server"
	"github.com/landsendsolo/junkshop-live/service/reconcile"
)

const versionTimeFormat = "20060102150405"

func main() {
	rootCmd := &cobra.Command{Use: "junkshop"}
	rootCmd.AddCommand(
		createMigrationCommand(),
		migrateCommand(),
		serveCommand(),
		relayOutboxCommand(),
	)

	err := rootCmd.Execute()
	if err != nil {
		panic(err)
	}
}

func createMigrationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-create [name]",
		Short: "create sql migrations",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			now := time.Now()
			version := now.Format(versionTimeFormat)
			name := args[0]
			migrationDir := config.Load().MigrationDir
			up := fmt.Sprintf("%s/%s_%s.up.sql", migrationDir, version, name)
			down := fmt.Sprintf("%s/%s_%s.down.sql", migrationDir, version, name)

			err := os.WriteFile(up, []byte{}, 0644)
			if err != nil {
				panic(err)
			}

			err = os.WriteFile(down, []byte{}, 0644)
			if err != nil {
				panic(err)
			}

			fmt.Println("Created SQL up script:", up)
			fmt.Println("Created SQL down script:", down)
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-up",
		Short: "migrate all the way up",
		Run: func(cmd *cobra.Command, args []string) {
			conf := config.Load()
			m, err := migrate.New(
				fmt.Sprintf("file://%s", conf.MigrationDir),
				fmt.Sprintf("mysql://%s", conf.DatabaseDSN),
			)
			if err != nil {
				panic(err)
			}

			err = m.Up()
			if err == migrate.ErrNoChange {
				fmt.Println("No change in migration")
				return
			}
			if err != nil {
				panic(err)
			}
			fmt.Println("Migrated up")
		},
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the checkout and webhook HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			conf := config.Load()

			db, err := sqlx.Connect("mysql", conf.DatabaseDSN)
			if err != nil {
				log.Fatalf("failed to connect to database: %v", err)
			}
			defer db.Close()

			checkoutClient, err := checkout.NewClient(conf.Sumup)
			if err != nil {
				log.Fatalf("checkout client unavailable: %v", err)
			}

			producer, err := kafka.NewProducer(conf.KafkaHost, conf.OrderPaidTopic)
			if err != nil {
				log.Fatalf("failed to connect to kafka: %v", err)
			}

			reconciler := reconcile.NewService(reconcile.NewRepo(db), producer)
			srv := &http.Server{
				Addr:    conf.HTTPAddr,
				Handler: server.New(checkoutClient, reconciler).Routes(),
			}

			go func() {
				log.Printf("listening on %s", conf.HTTPAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("server failed: %v", err)
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("shutdown error: %v", err)
			}
		},
	}
}

func relayOutboxCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "relay-outbox",
		Short: "relay paid-order events to kafka",
		Run: func(cmd *cobra.Command, args []string) {
			conf := config.Load()

			db, err := sqlx.Connect("mysql", conf.DatabaseDSN)
			if err != nil {
				log.Fatalf("failed to connect to database: %v", err)
			}
			defer db.Close()

			producer, err := kafka.NewProducer(conf.KafkaHost, conf.OrderPaidTopic)
			if err != nil {
				log.Fatalf("failed to connect to kafka: %v", err)
			}

			reconciler := reconcile.NewService(reconcile.NewRepo(db), producer)

			ctx, cancel := context.WithCancel(context.Background())
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-stop
				cancel()
			}()

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := reconciler.RelayPaidEvents(ctx, 100); err != nil {
						log.Printf("failed to relay paid events: %v", err)
					}
				}
			}
		},
	}
}
