// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("ORCH_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient() *resty.Client {
	c := resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	if key := os.Getenv("ORCH_SECRET_KEY"); key != "" {
		c.SetHeader("X-Orch-Secret", key)
	}
	return c
}

func getJSON(path string) (interface{}, error) {
	var out interface{}
	resp, err := newClient().R().SetResult(&out).Get(path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", path, resp.String())
	}
	return out, nil
}

func postJSON(path string, body interface{}) (interface{}, error) {
	var out interface{}
	req := newClient().R().SetResult(&out)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("POST %s: %s", path, resp.String())
	}
	return out, nil
}

func health() (interface{}, error) {
	return getJSON("/observability/health")
}

func enqueue(workItemID int64, dependsOn *int64, priority, delaySeconds int) (interface{}, error) {
	body := map[string]interface{}{
		"work_item_id":  workItemID,
		"priority":      priority,
		"delay_seconds": delaySeconds,
	}
	if dependsOn != nil {
		body["depends_on_work_item_id"] = *dependsOn
	}
	return postJSON("/scheduler/enqueue", body)
}

func tick() (interface{}, error) {
	return postJSON("/scheduler/tick", nil)
}

func queue() (interface{}, error) {
	return getJSON("/scheduler/queue")
}

func runDetail(runID string) (interface{}, error) {
	return getJSON("/observability/runs/" + runID)
}

func runLogs(runID, q string) (string, error) {
	resp, err := newClient().R().
		SetQueryParam("format", "text").
		SetQueryParam("q", q).
		Get("/work-items/runs/" + runID + "/logs")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("GET logs: %s", resp.String())
	}
	return resp.String(), nil
}

func cancelRun(runID string) (interface{}, error) {
	return postJSON("/work-items/runs/"+runID+"/cancel", nil)
}

func approve(approvalID string, ok bool) (interface{}, error) {
	return postJSON("/work-items/approvals/"+approvalID+"/approve",
		map[string]bool{"approve": ok})
}

func respondInfoRequest(id string, values map[string]string) (interface{}, error) {
	return postJSON("/work-items/runs/info-requests/"+id+"/respond",
		map[string]interface{}{"values": values})
}

func usage() (interface{}, error) {
	return getJSON("/observability/usage")
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
