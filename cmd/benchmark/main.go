package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"segmem/pkg/common"
	"segmem/pkg/protocol"
)

func main() {
	httpAddr := flag.String("http", "http://localhost:8080", "HTTP API base URL")
	tcpAddr := flag.String("tcp", "localhost:9090", "TCP server address")
	nReq := flag.Int("n", 5000, "Number of requests per run")
	size := flag.Uint("size", 4096, "Size of the benchmark segment")
	flag.Parse()
	if *size <= 8 {
		log.Fatalf("size must be larger than 8")
	}

	fmt.Printf("segmem Protocol Benchmark (N=%d)\n", *nReq)
	fmt.Printf("  HTTP=%s  TCP=%s\n", *httpAddr, *tcpAddr)
	fmt.Println("---------------------------------------------------")

	conn, err := net.Dial("tcp", *tcpAddr)
	if err != nil {
		log.Fatalf("TCP Connect failed: %v", err)
	}
	defer conn.Close()

	id := roundTrip(conn, protocol.OpCreate, protocol.PackCreate(uint32(*size), false), nil)
	seg, err := protocol.UnpackSegment(id)
	if err != nil {
		log.Fatalf("create: %v", err)
	}
	defer func() {
		roundTrip(conn, protocol.OpRelease, protocol.PackSegment(seg), nil)
		roundTrip(conn, protocol.OpDestroy, protocol.PackSegment(seg), nil)
	}()

	fmt.Println(">> Starting HTTP Benchmark (JSON over HTTP 1.1)...")
	httpDuration := runHTTPBenchmark(*httpAddr, seg, uint32(*size), *nReq)
	fmt.Printf("   HTTP Time: %v | QPS: %.0f\n\n", httpDuration, float64(*nReq)/httpDuration.Seconds())

	fmt.Println(">> Starting TCP Benchmark (Binary Protocol)...")
	tcpDuration := runTCPBenchmark(conn, seg, uint32(*size), *nReq)
	fmt.Printf("   TCP  Time: %v | QPS: %.0f\n", tcpDuration, float64(*nReq)/tcpDuration.Seconds())

	fmt.Println("---------------------------------------------------")
	speedup := httpDuration.Seconds() / tcpDuration.Seconds()
	fmt.Printf("Conclusion: TCP is %.2fx faster than HTTP!\n", speedup)
}

func roundTrip(conn net.Conn, op byte, key, val []byte) []byte {
	if err := protocol.Encode(conn, op, key, val); err != nil {
		log.Fatalf("TCP Write failed: %v", err)
	}
	resp, err := protocol.Decode(conn)
	if err != nil {
		log.Fatalf("TCP Read failed: %v", err)
	}
	if resp.Op == protocol.RespErr {
		log.Fatalf("server error: %v", protocol.DecodeError(resp.Value))
	}
	return resp.Value
}

func runHTTPBenchmark(httpAddr string, seg common.SegmentID, size uint32, n int) time.Duration {
	start := time.Now()
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 100,
		},
	}

	for i := 0; i < n; i++ {
		data := map[string]interface{}{
			"segment": seg,
			"offset":  uint32(i*8) % (size - 8),
			"data":    []byte("benchdat"),
		}
		jsonData, _ := json.Marshal(data)

		resp, err := client.Post(httpAddr+"/api/write", "application/json", bytes.NewReader(jsonData))
		if err != nil {
			log.Fatalf("HTTP Req failed: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return time.Since(start)
}

func runTCPBenchmark(conn net.Conn, seg common.SegmentID, size uint32, n int) time.Duration {
	start := time.Now()
	val := []byte("benchdat")

	for i := 0; i < n; i++ {
		key := protocol.PackAddress(seg, uint32(i*8)%(size-8))
		roundTrip(conn, protocol.OpWrite, key, val)
	}

	return time.Since(start)
}
