package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/bifurcation/unbuffered"
	"github.com/bifurcation/unbuffered/netconn"
	"github.com/cloudflare/cfssl/helpers"
	"golang.org/x/net/http2"
)

var (
	port         string
	serverName   string
	certFile     string
	keyFile      string
	responseFile string
	earlyData    bool
)

type responder []byte

func (rsp responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Write(rsp)
}

func selfSigned(name string) ([]*x509.Certificate, crypto.Signer, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return []*x509.Certificate{cert}, priv, nil
}

func main() {
	flag.StringVar(&port, "port", "4430", "port")
	flag.StringVar(&serverName, "host", "example.com", "hostname")
	flag.StringVar(&certFile, "cert", "", "certificate chain in PEM or DER")
	flag.StringVar(&keyFile, "key", "", "private key in PEM format")
	flag.StringVar(&responseFile, "response", "", "file to serve")
	flag.BoolVar(&earlyData, "early", false, "accept 0-RTT data")
	flag.Parse()

	var certChain []*x509.Certificate
	var priv crypto.Signer
	var response []byte
	var err error

	// Load the key and certificate chain
	if certFile != "" {
		certs, err := os.ReadFile(certFile)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		certChain, err = helpers.ParseCertificatesPEM(certs)
		if err != nil {
			certChain, _, err = helpers.ParseCertificatesDER(certs, "")
		}
		if err != nil {
			log.Fatalf("Error parsing %v: %v", certFile, err)
		}
	}
	if keyFile != "" {
		keyPEM, err := os.ReadFile(keyFile)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		priv, err = helpers.ParsePrivateKeyPEM(keyPEM)
		if err != nil {
			log.Fatalf("Error parsing %v: %v", keyFile, err)
		}
	}
	if certChain == nil || priv == nil {
		log.Printf("No cert and key given, using a self-signed cert for %v", serverName)
		certChain, priv, err = selfSigned(serverName)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
	}

	// Load response file
	if responseFile != "" {
		log.Printf("Loading response file: %v", responseFile)
		response, err = os.ReadFile(responseFile)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
	} else {
		response = []byte("Welcome to the TLS 1.3 zone!")
	}

	config := &unbuffered.Config{
		SendSessionTickets: true,
		EnableEarlyData:    earlyData,
		ServerName:         serverName,
		NextProtos:         []string{"h2", "http/1.1"},
		Certificates: []*unbuffered.Certificate{
			{Chain: certChain, PrivateKey: priv},
		},
	}

	service := "0.0.0.0:" + port
	listener, err := netconn.Listen("tcp", service, config)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	handler := responder(response)
	srv := &http.Server{Handler: handler}
	srv2 := new(http2.Server)
	if err := http2.ConfigureServer(srv, srv2); err != nil {
		log.Fatalf("Error: %v", err)
	}

	log.Printf("Listening on port %v", port)
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("Accept error: %v", err)
			continue
		}
		log.Printf("Connection from %v", conn.RemoteAddr())
		go srv2.ServeConn(conn, &http2.ServeConnOpts{BaseConfig: srv, Handler: handler})
	}
}
