// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue_test

import (
	"context"
	"fmt"
	"time"

	"github.com/taskqueue-io/taskqueue"
)

func ExampleManager() {
	// Create a new manager with 10 concurrent workers
	m := taskqueue.New(
		taskqueue.SetConcurrency(10),
	)

	// Register a factory for the "crawl" job type
	jobDone := make(chan string, 1)
	err := m.Register("crawl", func(p taskqueue.Payload) (taskqueue.Task, error) {
		url, ok := p["url"].(string)
		if !ok {
			return nil, fmt.Errorf("missing url")
		}
		return taskqueue.TaskFunc(func(ctx context.Context) error {
			jobDone <- url
			return nil
		}), nil
	})
	if err != nil {
		fmt.Println("Register failed")
		return
	}

	// Start the manager
	err = m.Start(context.Background())
	if err != nil {
		fmt.Println("Start failed")
		return
	}
	fmt.Println("Started")

	// Submit a new crawler job
	job := &taskqueue.Job{Type: "crawl", Payload: taskqueue.Payload{"url": "https://alt-f4.de"}}
	_, err = m.Submit(context.Background(), job)
	if err != nil {
		fmt.Println("Submit failed")
		return
	}
	fmt.Println("Job submitted")

	// Wait for the crawler job to complete
	select {
	case url := <-jobDone:
		fmt.Printf("Crawled %s\n", url)
	case <-time.After(5 * time.Second):
		fmt.Println("Job timed out")
		return
	}

	// Stop/Close the manager
	err = m.Stop()
	if err != nil {
		fmt.Println("Stop failed")
		return
	}
	fmt.Println("Stopped")

	// Output:
	// Started
	// Job submitted
	// Crawled https://alt-f4.de
	// Stopped
}
