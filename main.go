package main

import "github.com/edgeflare/odatadb/cmd/odatadb"

func main() {
	odatadb.Main()
}
