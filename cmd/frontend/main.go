// IRMA frontend
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"flag"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"syscall"

	"github.com/ufausther/irma-frontend/brain"
	"github.com/ufausther/irma-frontend/filestore"
	"github.com/ufausther/irma-frontend/ftp"
	"github.com/ufausther/irma-frontend/notifier"
	"github.com/ufausther/irma-frontend/scanctrl"
	"github.com/ufausther/irma-frontend/scandb"

	"github.com/NeowayLabs/wabbit"
	"github.com/NeowayLabs/wabbit/amqp"
	"github.com/NeowayLabs/wabbit/amqptest"
	log "github.com/sirupsen/logrus"
)

var (
	// testMode is used to invoke some automatic testing behaviour in main()
	testMode bool
	testDir  string

	// stopChan is used to notify the reader of a completed main()
	stopChan chan bool

	// sigChan is a channel receiving os.Signal instances to control runtime
	// behaviour
	sigChan = make(chan os.Signal, 1)
)

func testWrapper(testdir string, stopNotify chan bool) {
	testMode = true
	testDir = testdir
	stopChan = make(chan bool)
	go main()
	<-stopChan
	testMode = false
	close(stopNotify)
}

func main() {
	var err error
	var n notifier.Notifier
	var sockPath = flag.String("socket", "/tmp/frontend.sock", "Path for the agent submission socket")
	var logPath = flag.String("log", "/var/log/", "Path for frontend log files")
	var dataPath = flag.String("data", "/var/lib/frontend/", "Path for the scan database")
	var samplesDir = flag.String("samples", "/var/lib/frontend/samples", "Directory for stored file content")
	var brainURL = flag.String("brainurl", "http://localhost:8080/api", "Base URL of the analysis backend API")
	var amqpURI = flag.String("amqpuri", "localhost:5672", "Endpoint and port for the AMQP connection")
	var amqpUser = flag.String("amqpuser", "frontend", "User name for the AMQP connection")
	var amqpPass = flag.String("amqppass", "frontend", "Password for the AMQP connection")
	var resultExchange = flag.String("resultexch", "results", "Exchange carrying backend completion events")
	var resultQueue = flag.String("resultqueue", "frontend-results", "Queue to consume completion events from")
	var notifyExchange = flag.String("notifyexch", "frontend", "Exchange to post scan status notifications to")
	var dummy = flag.Bool("dummy", false, "Log scan notifications to file instead of submitting to AMQP")
	var ftpEndpoint = flag.String("ftpendpoint", "localhost:9000", "Endpoint for the S3 file transfer area")
	var ftpAccessKey = flag.String("ftpaccesskey", "", "Access key for the file transfer area")
	var ftpSecretAccessKey = flag.String("ftpsecretaccesskey", "", "Secret access key for the file transfer area")
	var ftpBucketName = flag.String("ftpbucket", "scans", "Bucket name for the file transfer area")
	var ftpRegion = flag.String("ftpregion", "", "Region for the file transfer area")
	var ftpSSL = flag.Bool("ftpssl", false, "Use SSL for the file transfer area")
	var magicFile = flag.String("magicfile", "", "Additional libmagic database file")
	var profileFile = flag.String("proffile", "", "Dump profiling information to file")
	var memProfileFile = flag.String("mproffile", "", "Dump memory profiling information to file")
	var profSrv = flag.Bool("profsrv", false, "Enable profiling server on port 6060")
	var verbose = flag.Bool("verbose", false, "Verbose output")
	var logJSON = flag.Bool("logjson", false, "JSON log output")
	flag.Parse()

	// Use temporary test directories
	if testMode {
		*logPath = testDir
		*dataPath = filepath.Join(testDir, "db")
		*samplesDir = filepath.Join(testDir, "samples")
		*amqpURI = "localhost:9999/%2f"
		*sockPath = filepath.Join(testDir, "frontend.sock")
		*dummy = true
	}

	// Configure logging to file
	if len(*logPath) > 0 || testMode {
		if _, err = os.Stat(*logPath); os.IsNotExist(err) {
			log.Infof("Log directory %s does not exist, trying to create it", *logPath)
			err = os.MkdirAll(*logPath, os.ModePerm)
			if err != nil {
				log.Fatal(err)
			}
		}
		f, myerr := os.OpenFile(filepath.Join(*logPath, "frontend.log"),
			os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if myerr != nil {
			log.Fatal(myerr)
		}
		defer func() {
			f.Close()
			log.SetOutput(os.Stdout)
		}()
		log.SetOutput(f)
	}

	if *logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}

	if *verbose {
		log.Info("verbose log output enabled")
		log.SetLevel(log.DebugLevel)
	}

	// Optional profiling
	if *profileFile != "" {
		var f io.Writer
		f, err = os.Create(*profileFile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *profSrv && !testMode {
		go func() {
			log.Println(http.ListenAndServe("localhost:6060", nil))
		}()
	}

	if *magicFile != "" {
		filestore.AddMagicFile(*magicFile)
	}

	// Setup database connection and create the database file if not exist
	if _, err = os.Stat(*dataPath); os.IsNotExist(err) {
		log.Infof("Database directory %s does not exist, trying to create it", *dataPath)
		os.MkdirAll(*dataPath, os.ModePerm)
	}
	db, err := scandb.Open(*dataPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	store, err := filestore.MakeStore(*samplesDir)
	if err != nil {
		log.Fatal(err)
	}

	transfer, err := ftp.MakeTransfer(ftp.S3Credentials{
		Endpoint:        *ftpEndpoint,
		AccessKey:       *ftpAccessKey,
		SecretAccessKey: *ftpSecretAccessKey,
		BucketName:      *ftpBucketName,
		Region:          *ftpRegion,
	}, *ftpSSL)
	if err != nil {
		log.Fatal(err)
	}

	// Create notifier
	if *dummy {
		log.Info("disabling scan status notification")
		n = notifier.MakeDummyNotifier()
	} else {
		n, err = notifier.MakeAMQPNotifierWithReconnector(*amqpURI, *amqpUser,
			*amqpPass, *notifyExchange, *verbose,
			func(url string) (wabbit.Conn, string, error) {
				log.Info(url)
				if testMode {
					c, e := amqptest.Dial(url)
					return c, "direct", e
				}
				c, e := amqp.Dial(url)
				return c, "fanout", e
			})
		if err != nil {
			log.Fatal(err)
		}
	}
	defer n.Finish()

	ctrl := scanctrl.MakeController(db, store, transfer,
		brain.NewClient(*brainURL), n)

	// Consume backend completion events
	var consumer *brain.EventConsumer
	if !testMode {
		consumer, err = brain.MakeEventConsumer(*amqpURI, *amqpUser, *amqpPass,
			*resultExchange, *resultQueue, ctrl,
			func(url string) (wabbit.Conn, string, error) {
				c, e := amqp.Dial(url)
				return c, "topic", e
			})
		if err != nil {
			log.Fatal(err)
		}
	}

	ai, err := MakeAgentInput(*sockPath, ctrl)
	if err != nil {
		log.Fatal(err)
	}
	ai.Run()

	janitorNotify := make(chan bool)
	j := MakeJanitor(janitorNotify)
	if err = j.Run(db, store); err != nil {
		log.Fatal(err)
	}

	inputNotify := make(chan bool)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP,
		syscall.SIGUSR1)
SigLoop:
	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			log.Info("Received SIGHUP, nothing to reload")
		case syscall.SIGUSR1:
			log.Info("Received SIGUSR1, triggering retention sweep")
			j.Kick()
		case os.Interrupt, syscall.SIGTERM:
			log.Info("Received request to stop, stopping janitor and agent input...")
			if consumer != nil {
				consumer.Finish()
			}
			ai.Stop(inputNotify)
			j.Stop()
			break SigLoop
		}
	}

	<-inputNotify
	<-janitorNotify

	log.Info("stopped janitor and agent input")

	if testMode {
		close(stopChan)
	}

	if *memProfileFile != "" {
		f, err := os.Create(*memProfileFile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
		f.Close()
	}
}
