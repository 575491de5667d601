package main

import "github.com/Sunbridger/wechat-app/internal/cli"

func main() {
	cli.Execute()
}
