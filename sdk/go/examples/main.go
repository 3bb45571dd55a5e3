package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"task-processor/sdk/go/taskclient"
)

func main() {
	baseURL := flag.String("url", "http://localhost:3000", "task processor base URL")
	flag.Parse()

	client, err := taskclient.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		log.Fatalf("health check: %v", err)
	}
	fmt.Printf("server %s is %s (version %s)\n", health.Service, health.Status, health.Version)

	updates, err := client.Watch(ctx)
	if err != nil {
		log.Fatalf("watch: %v", err)
	}
	go func() {
		for update := range updates {
			fmt.Printf("  update: %s %s -> %s\n", update.Task.ID, update.Task.Name, update.Task.Status)
		}
	}()

	requests := []taskclient.CreateRequest{
		{Name: "Data Processing", DurationMS: 3000, Priority: "high"},
		{Name: "Image Resize", DurationMS: 1500, Priority: "medium"},
		{Name: "Report Generation", DurationMS: 5000, Priority: "low"},
		{Name: "Email Campaign", DurationMS: 2000},
	}
	var created []taskclient.Task
	for _, req := range requests {
		t, err := client.Create(ctx, req)
		if err != nil {
			log.Fatalf("create %q: %v", req.Name, err)
		}
		fmt.Printf("created %s (%s, %s)\n", t.ID, t.Name, t.Priority)
		created = append(created, t)
	}

	last := created[len(created)-1]
	if err := client.Cancel(ctx, last.ID); err != nil {
		fmt.Printf("cancel %s: %v\n", last.ID, err)
	} else {
		fmt.Printf("cancelled %s\n", last.ID)
	}

	for _, t := range created[:len(created)-1] {
		finished, err := client.Wait(ctx, t.ID, 250*time.Millisecond)
		if err != nil {
			log.Fatalf("wait %s: %v", t.ID, err)
		}
		if finished.ErrorMessage != nil {
			fmt.Printf("%s finished as %s: %s\n", finished.Name, finished.Status, *finished.ErrorMessage)
			continue
		}
		fmt.Printf("%s finished as %s\n", finished.Name, finished.Status)
	}

	stats, err := client.Stats(ctx)
	if err != nil {
		log.Fatalf("stats: %v", err)
	}
	fmt.Printf("stats: total=%d completed=%d failed=%d cancelled=%d avg=%.1fms\n",
		stats.TotalTasks, stats.Completed, stats.Failed, stats.Cancelled, stats.AverageProcessingTimeMS)
}
