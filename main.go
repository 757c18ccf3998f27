package main

import (
	"fmt"
	"os"

	"github.com/zeu5/gridpop/cli"
	"k8s.io/klog/v2"
)

// main entry point to training and evaluating the controller
func main() {
	rootCommand := cli.GetRootCommand()
	err := rootCommand.Execute()
	klog.Flush()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
