package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/bifurcation/unbuffered"
	"github.com/bifurcation/unbuffered/netconn"
)

var (
	url      string
	insecure bool
)

func main() {
	flag.StringVar(&url, "url", "https://localhost:4430/", "URL to fetch")
	flag.BoolVar(&insecure, "insecure", true, "skip certificate verification")
	flag.Parse()

	config := &unbuffered.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{"http/1.1"},
	}

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return netconn.DialWithDialer(&net.Dialer{}, network, addr, config)
	}

	tr := &http.Transport{
		DialTLSContext:     dial,
		DisableCompression: true,
	}
	client := &http.Client{Transport: tr}

	response, err := client.Get(url)
	if err != nil {
		fmt.Println("err:", err)
		return
	}
	defer response.Body.Close()

	fmt.Println("==== RESPONSE ====")
	err = response.Write(os.Stdout)
	if err != nil {
		fmt.Println("err:", err)
		return
	}
}
