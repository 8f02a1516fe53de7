// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// vaultsig is a host-side utility for inspecting and manipulating the
// multisig wallet records of a signing device database: listing
// records, exporting setup files and descriptors, importing new
// definitions and adjusting the trust policy.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	flags "github.com/jessevdk/go-flags"
	"github.com/vaultsig/vaultsig/devstore"
	"github.com/vaultsig/vaultsig/mswallet"
	"github.com/vaultsig/vaultsig/teleport"
)

// dbTimeout bounds how long opening the settings database may block on
// another process holding its lock.
const dbTimeout = 10 * time.Second

// config holds the command line options.
type config struct {
	DB        string `short:"d" long:"db" description:"Path to the device settings database" default:"vaultsig.db"`
	Debug     bool   `long:"debug" description:"Enable debug logging"`
	MasterKey string `long:"masterkey" description:"Extended private master key (import needs it)"`

	List struct{} `command:"list" description:"List stored wallets"`

	Export struct {
		Name   string `short:"n" long:"name" description:"Wallet name" required:"true"`
		Format string `short:"f" long:"format" description:"Output format: text, descriptor, pretty, core, electrum" default:"text"`
	} `command:"export" description:"Export one wallet"`

	Import struct {
		File string `short:"f" long:"file" description:"Setup file or descriptor" required:"true"`
	} `command:"import" description:"Import a wallet definition"`

	Policy struct {
		Set string `short:"s" long:"set" description:"New policy: verify, offer, trust"`
	} `command:"policy" description:"Show or set the xpub trust policy"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vaultsig: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) &&
			flagsErr.Type == flags.ErrHelp {

			return nil
		}
		return err
	}
	if parser.Active == nil {
		return errors.New("no command given")
	}

	setupLogging(cfg.Debug)

	db, err := openDB(cfg.DB)
	if err != nil {
		return fmt.Errorf("open settings db: %w", err)
	}
	defer db.Close()

	settings, err := devstore.Open(db)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	store := mswallet.NewStore(settings)

	switch parser.Active.Name {
	case "list":
		return cmdList(store)
	case "export":
		return cmdExport(store, cfg.Export.Name, cfg.Export.Format)
	case "import":
		return cmdImport(store, cfg.MasterKey, cfg.Import.File)
	case "policy":
		return cmdPolicy(store, cfg.Policy.Set)
	default:
		return fmt.Errorf("unknown command %q", parser.Active.Name)
	}
}

// openDB opens the settings database, creating it on first use.
func openDB(path string) (walletdb.DB, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return walletdb.Create("bdb", path, true, dbTimeout, false)
	}

	return walletdb.Open("bdb", path, true, dbTimeout, false)
}

// setupLogging routes every package logger to stderr.
func setupLogging(debug bool) {
	backend := btclog.NewBackend(os.Stderr)
	level := btclog.LevelInfo
	if debug {
		level = btclog.LevelDebug
	}

	for subsystem, use := range map[string]func(btclog.Logger){
		"STOR": devstore.UseLogger,
		"MSWL": mswallet.UseLogger,
		"TELE": teleport.UseLogger,
	} {
		logger := backend.Logger(subsystem)
		logger.SetLevel(level)
		use(logger)
	}
}

func cmdList(store *mswallet.Store) error {
	wallets, err := store.Wallets()
	if err != nil {
		return err
	}
	if len(wallets) == 0 {
		fmt.Println("no multisig wallets")
		return nil
	}

	for _, w := range wallets {
		_, deriv := w.DerivPaths()
		fmt.Printf("%2d: %-20s %-7s %-10s %s\n", w.StorageIdx,
			w.Name, w.Policy(), w.AddrFmt, deriv)
	}

	return nil
}

func findByName(store *mswallet.Store, name string) (*mswallet.Wallet,
	error) {

	var found *mswallet.Wallet
	err := store.ForEach(mswallet.NoFilter,
		func(w *mswallet.Wallet) error {
			if found == nil && w.Name == name {
				found = w
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("no wallet named %q", name)
	}

	return found, nil
}

func cmdExport(store *mswallet.Store, name, format string) error {
	w, err := findByName(store, name)
	if err != nil {
		return err
	}

	// Exports carry no private material, so the device fingerprint is
	// only cosmetic here; zero marks "unknown leg" in the header.
	switch format {
	case "text":
		return w.RenderExport(os.Stdout, 0)

	case "descriptor":
		desc, err := w.Descriptor()
		if err != nil {
			return err
		}
		fmt.Println(desc)
		return nil

	case "pretty":
		desc, err := w.PrettyDescriptor()
		if err != nil {
			return err
		}
		fmt.Println(desc)
		return nil

	case "core":
		blob, err := w.CoreImportJSON(100)
		if err != nil {
			return err
		}
		fmt.Printf("importdescriptors '%s'\n", blob)
		return nil

	case "electrum":
		return w.ExportElectrum(os.Stdout, 0)

	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

func cmdImport(store *mswallet.Store, masterKey, file string) error {
	if masterKey == "" {
		return errors.New("--masterkey is required for import")
	}
	root, err := hdkeychain.NewKeyFromString(masterKey)
	if err != nil {
		return fmt.Errorf("parse master key: %w", err)
	}
	keys, err := mswallet.NewMasterKeySource(root)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	device := mswallet.NewDevice(store, keys)
	w, err := device.FromText(string(content))
	if err != nil {
		return err
	}

	nameChange, reasons, similar, err := store.HasSimilar(w)
	if err != nil {
		return err
	}
	switch {
	case nameChange != nil:
		// Identical wallet under another name: rename in place.
		nameChange.Name = w.Name
		w = nameChange

	case len(reasons) > 0 && similar == 0:
		// Exact M/N/path/format match with diverging key content:
		// never importable.
		return fmt.Errorf("conflicts with existing wallet: %s",
			strings.Join(reasons, ", "))

	case len(reasons) == 1 && reasons[0] == "BIP-67 clash":
		return errors.New("same keys already stored with the " +
			"opposite ordering policy")

	case similar > 0 && len(reasons) == 0:
		fmt.Println("already stored, nothing to do")
		return nil

	case similar > 0:
		// Shares the co-signer set but differs in an importable way.
		fmt.Printf("note: %d existing wallet(s) share these keys "+
			"(%s)\n", similar, strings.Join(reasons, ", "))
	}

	if err := store.Commit(w); err != nil {
		return err
	}
	fmt.Printf("imported %s\n", w)

	return nil
}

func cmdPolicy(store *mswallet.Store, set string) error {
	if set == "" {
		fmt.Println(store.GetTrustPolicy())
		return nil
	}

	var policy mswallet.TrustPolicy
	switch set {
	case "verify":
		policy = mswallet.TrustVerify
	case "offer":
		policy = mswallet.TrustOffer
	case "trust":
		policy = mswallet.TrustEphemeral
	default:
		return fmt.Errorf("unknown policy %q", set)
	}

	if err := store.SetTrustPolicy(policy); err != nil {
		return err
	}
	fmt.Printf("trust policy: %s\n", policy)

	return nil
}
