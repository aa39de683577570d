package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	internal_http "github.com/stojanov/flowline/internal/http"
	"github.com/stojanov/flowline/internal/log"
	internal_storage "github.com/stojanov/flowline/internal/storage"
	"github.com/stojanov/flowline/internal/queue"
	"github.com/stojanov/flowline/pkg/service"
)

type services struct {
	store    *internal_storage.PostgresStore
	identity *service.IdentityService
	tasks    *service.TaskService
	notifier *service.HTTPNotifier
}

func buildServices(cmd *cobra.Command) services {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	notifyURL, _ := cmd.Flags().GetString("notify-url")
	coordinatorRole, _ := cmd.Flags().GetString("coordinator-role")

	store := initStore(dbConnStr)
	logger := log.GetLogger()
	notifier := service.NewHTTPNotifier(store, notifyURL, logger)
	audit := service.NewAuditService(store, logger)
	allocator := service.NewAllocator(notifier, audit, logger)
	allocator.SetCoordinatorRole(coordinatorRole)
	tasks := service.NewTaskService(store, allocator, notifier, audit, logger)
	identity := service.NewIdentityService(store, logger)
	return services{store: store, identity: identity, tasks: tasks, notifier: notifier}
}

func redisClient(cmd *cobra.Command) *redis.Client {
	addr, _ := cmd.Flags().GetString("redis-addr")
	return redis.NewClient(&redis.Options{Addr: addr})
}

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and the queue consumers",
		Run: func(cmd *cobra.Command, args []string) {
			svcs := buildServices(cmd)
			defer svcs.store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rdb := redisClient(cmd)
			consumer := queue.NewConsumer(rdb, svcs.identity, svcs.tasks, log.GetLogger())
			consumer.Start(ctx)

			port, _ := cmd.Flags().GetString("port")
			go func() {
				if err := internal_http.StartServer(port, internal_http.Services{
					Tasks:    svcs.tasks,
					Notifier: svcs.notifier,
				}); err != nil {
					log.GetLogger().Errorf("Server stopped: %v", err)
					stop()
				}
			}()

			<-ctx.Done()
			consumer.Wait()
		},
	}
	serveCmd.Flags().String("port", "8080", "HTTP port")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the queue consumers only",
		Run: func(cmd *cobra.Command, args []string) {
			svcs := buildServices(cmd)
			defer svcs.store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rdb := redisClient(cmd)
			consumer := queue.NewConsumer(rdb, svcs.identity, svcs.tasks, log.GetLogger())
			consumer.Start(ctx)
			<-ctx.Done()
			consumer.Wait()
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Sweep the failed-notification retry bucket",
		Run: func(cmd *cobra.Command, args []string) {
			svcs := buildServices(cmd)
			defer svcs.store.Close()

			maxAgeHours, _ := cmd.Flags().GetInt("max-age-hours")
			limit, _ := cmd.Flags().GetInt("limit")
			force, _ := cmd.Flags().GetBool("force")
			report, err := svcs.notifier.RetryPending(time.Duration(maxAgeHours)*time.Hour, limit, force)
			if err != nil {
				log.GetLogger().Errorf("Retry sweep failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: retry sweep failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Retried %d notifications: %d succeeded, %d failed (%d exhausted)\n",
				report.Attempted, report.Succeeded, report.Failed, report.Exhausted)
		},
	}
	retryCmd.Flags().Int("max-age-hours", 0, "Only retry notifications younger than this many hours")
	retryCmd.Flags().Int("limit", 0, "Maximum notifications to retry in this sweep")
	retryCmd.Flags().Bool("force", false, "Retry even exhausted notifications")

	assignCmd := &cobra.Command{
		Use:   "assign",
		Short: "Manually assign a ticket to a workflow",
		Run: func(cmd *cobra.Command, args []string) {
			svcs := buildServices(cmd)
			defer svcs.store.Close()

			ticket, _ := cmd.Flags().GetString("ticket")
			workflowID, _ := cmd.Flags().GetInt64("workflow")
			if ticket == "" || workflowID == 0 {
				fmt.Println("Error: --ticket and --workflow are required")
				os.Exit(1)
			}
			assigned, err := svcs.tasks.ManuallyAssign(ticket, workflowID, 0)
			if err != nil {
				log.GetLogger().Errorf("Failed to assign ticket: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to assign ticket: %v\n", err)
				os.Exit(1)
			}
			if !assigned {
				fmt.Fprintf(os.Stdout, "Ticket %s not assigned (already allocated or workflow not initialized)\n", ticket)
				return
			}
			fmt.Fprintf(os.Stdout, "Assigned ticket %s to workflow %d\n", ticket, workflowID)
		},
	}
	assignCmd.Flags().String("ticket", "", "Ticket reference")
	assignCmd.Flags().Int64("workflow", 0, "Workflow ID")

	rootCmd.AddCommand(serveCmd, workerCmd, retryCmd, assignCmd)
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
