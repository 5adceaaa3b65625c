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

// orchctl 编排器操作员命令行
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("orchctl 0.1.0")
	case "health":
		printResult(health())
	case "enqueue":
		runEnqueue(args)
	case "tick":
		printResult(tick())
	case "queue":
		printResult(queue())
	case "run":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: orchctl run <run_id>\n")
			os.Exit(1)
		}
		printResult(runDetail(args[0]))
	case "logs":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: orchctl logs <run_id> [filter]\n")
			os.Exit(1)
		}
		q := ""
		if len(args) > 1 {
			q = args[1]
		}
		text, err := runLogs(args[0], q)
		if err != nil {
			fmt.Fprintf(os.Stderr, "获取日志失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(text)
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: orchctl cancel <run_id>\n")
			os.Exit(1)
		}
		printResult(cancelRun(args[0]))
	case "approve":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: orchctl approve <approval_id> [reject]\n")
			os.Exit(1)
		}
		ok := len(args) < 2 || args[1] != "reject"
		printResult(approve(args[0], ok))
	case "respond":
		runRespond(args)
	case "usage":
		printResult(usage())
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: orchctl <command> [args]")
	fmt.Println("  version                       - 显示版本")
	fmt.Println("  health                        - 服务健康检查")
	fmt.Println("  enqueue <work_item_id> [depends_on] [priority] [delay_seconds]")
	fmt.Println("                                - 工单入队")
	fmt.Println("  tick                          - 手动触发一次调度")
	fmt.Println("  queue                         - 查看当前队列")
	fmt.Println("  run <run_id>                  - Run 聚合视图（步骤/日志量/信息请求）")
	fmt.Println("  logs <run_id> [filter]        - 输出 Run 日志（text 格式）")
	fmt.Println("  cancel <run_id>               - 取消 Run")
	fmt.Println("  approve <approval_id> [reject] - 裁决审批")
	fmt.Println("  respond <info_request_id> k=v [k=v ...] - 回应信息请求")
	fmt.Println("  usage                         - 各项目配额用量")
}

func printResult(v interface{}, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(v))
}

func runEnqueue(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: orchctl enqueue <work_item_id> [depends_on] [priority] [delay_seconds]\n")
		os.Exit(1)
	}
	workItemID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "无效 work_item_id: %s\n", args[0])
		os.Exit(1)
	}
	var dependsOn *int64
	if len(args) > 1 && args[1] != "0" && args[1] != "-" {
		d, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "无效 depends_on: %s\n", args[1])
			os.Exit(1)
		}
		dependsOn = &d
	}
	priority := 0
	if len(args) > 2 {
		priority, _ = strconv.Atoi(args[2])
	}
	delay := 0
	if len(args) > 3 {
		delay, _ = strconv.Atoi(args[3])
	}
	printResult(enqueue(workItemID, dependsOn, priority, delay))
}

func runRespond(args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: orchctl respond <info_request_id> k=v [k=v ...]\n")
		os.Exit(1)
	}
	values := map[string]string{}
	for _, kv := range args[1:] {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			fmt.Fprintf(os.Stderr, "无效键值对: %s\n", kv)
			os.Exit(1)
		}
		values[kv[:i]] = kv[i+1:]
	}
	printResult(respondInfoRequest(args[0], values))
}
