package main

import (
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/bifurcation/unbuffered"
	"github.com/bifurcation/unbuffered/netconn"
	"github.com/cloudflare/cfssl/helpers"
)

var (
	port         string
	serverName   string
	certFile     string
	keyFile      string
	responseFile string
	ticketSecret string
)

func main() {
	flag.StringVar(&port, "port", "4430", "port")
	flag.StringVar(&serverName, "name", "example.com", "hostname")
	flag.StringVar(&certFile, "cert", "", "certificate chain in PEM")
	flag.StringVar(&keyFile, "key", "", "private key in PEM")
	flag.StringVar(&responseFile, "response", "", "response")
	flag.StringVar(&ticketSecret, "ticket-passphrase", "", "derive session ticket keys from this passphrase")
	flag.Parse()

	if certFile == "" || keyFile == "" {
		log.Fatalf("Both -cert and -key are required")
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	chain, err := helpers.ParseCertificatesPEM(certPEM)
	if err != nil {
		log.Fatalf("Error parsing cert: %v", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	priv, err := helpers.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		log.Fatalf("Error parsing key: %v", err)
	}

	response := []byte("Hello There!\n")
	if responseFile != "" {
		response, err = os.ReadFile(responseFile)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
	}

	config := &unbuffered.Config{
		SendSessionTickets: true,
		ServerName:         serverName,
		NextProtos:         []string{"http/1.1"},
		Certificates: []*unbuffered.Certificate{
			{Chain: chain, PrivateKey: priv},
		},
	}
	if ticketSecret != "" {
		// Servers sharing the passphrase accept each other's tickets.
		config.TicketSealer, err = unbuffered.NewPassphraseTicketSealer(unbuffered.PassphraseKDFArgon2, []byte(ticketSecret), []byte(serverName))
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
	}

	service := "0.0.0.0:" + port
	listener, err := netconn.Listen("tcp", service, config)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	http.HandleFunc("/",
		func(w http.ResponseWriter, r *http.Request) {
			w.Write(response)
		})

	log.Printf("Listening on port %v", port)
	s := &http.Server{}
	log.Fatal(s.Serve(listener))
}
