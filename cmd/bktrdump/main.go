package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/falk/bktrfs/pkg/bktr"
	"github.com/falk/bktrfs/pkg/fs"
	"github.com/falk/bktrfs/pkg/keys"
	"github.com/falk/bktrfs/pkg/ncaopen"
)

func main() {
	keysPath := flag.String("k", "", "Path to prod.keys")
	basePath := flag.String("base", "", "Path to the base title's NCA or NSP (omit for a standalone patch dump)")
	updatePath := flag.String("update", "", "Path to the update title's NCA or NSP")
	list := flag.Bool("list", false, "List files in the patched RomFS")
	extract := flag.String("extract", "", "Extract a single file by name into -o")
	outDir := flag.String("o", ".", "Output directory for -extract")
	flag.Parse()

	fmt.Println("bktrdump")

	var err error
	if *keysPath != "" {
		err = keys.Load(*keysPath)
	} else {
		err = keys.LoadDefault()
	}
	if err != nil {
		fmt.Printf("Warning: could not load keys: %v\n", err)
		fmt.Println("Please provide keys file with -k or place in ~/.switch/prod.keys")
	} else {
		keys.DeriveKeys()
	}

	if *updatePath == "" {
		fmt.Println("Usage: bktrdump -update <update.nca|nsp> [-base <base.nca|nsp>] [-list] [-extract name -o outdir]")
		os.Exit(1)
	}

	var baseNca *fs.NCA
	var baseTitleKey []byte
	if *basePath != "" {
		baseNca, baseTitleKey, err = openNcaSource(*basePath)
		if err != nil {
			fmt.Printf("Error opening base %s: %v\n", *basePath, err)
			os.Exit(1)
		}
	}

	updateNca, updateTitleKey, err := openNcaSource(*updatePath)
	if err != nil {
		fmt.Printf("Error opening update %s: %v\n", *updatePath, err)
		os.Exit(1)
	}

	ctx, err := ncaopen.OpenPatched(baseNca, updateNca, baseTitleKey, updateTitleKey)
	if err != nil {
		fmt.Printf("Bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	entries, err := fs.ParseFileTable(ctx.FileTable())
	if err != nil {
		fmt.Printf("Failed to parse file table: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Patched RomFS: %d bytes, %d files\n", ctx.Size(), len(entries))

	if *list || *extract == "" {
		for _, e := range entries {
			updated, err := ctx.IsFileUpdated(bktr.FileEntry{Offset: e.Offset, Size: e.Size})
			status := "base"
			if err != nil {
				status = fmt.Sprintf("error: %v", err)
			} else if updated {
				status = "patch"
			}
			fmt.Printf("%10d  %-6s  %s\n", e.Size, status, e.Name)
		}
	}

	if *extract != "" {
		if err := extractFile(ctx, entries, *extract, *outDir); err != nil {
			fmt.Printf("Extract failed: %v\n", err)
			os.Exit(1)
		}
	}
}

func extractFile(ctx *bktr.Context, entries []fs.RomFsFileEntry, name, outDir string) error {
	for _, e := range entries {
		if e.Name != name {
			continue
		}

		out, err := os.Create(filepath.Join(outDir, filepath.Base(name)))
		if err != nil {
			return err
		}
		defer out.Close()

		const chunk = 1 << 20
		buf := make([]byte, chunk)
		remaining := e.Size
		var pos uint64
		for remaining > 0 {
			n := uint64(chunk)
			if remaining < n {
				n = remaining
			}
			if err := ctx.ReadFile(bktr.FileEntry{Offset: e.Offset, Size: e.Size}, buf[:n], int(n), pos); err != nil {
				return err
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
			pos += n
			remaining -= n
		}
		fmt.Printf("Extracted %s (%d bytes)\n", name, e.Size)
		return nil
	}
	return fmt.Errorf("no such file: %s", name)
}

// openNcaSource opens path as either a raw NCA (NCZ-compressed or
// not — ncaopen.OpenPatched sniffs the payload and picks the matching
// section reader) or a PFS0 (NSP) container, returning the first
// Program/PublicData NCA it finds and the title key decrypted from any
// sibling ticket.
func openNcaSource(path string) (*fs.NCA, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	if strings.ToLower(filepath.Ext(path)) != ".nsp" {
		nca, err := fs.NewNCA(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return nca, nil, nil
	}
	defer f.Close()

	files, headerSize, err := fs.OpenPfs0(f)
	if err != nil {
		return nil, nil, fmt.Errorf("not a valid PFS0: %w", err)
	}

	var titleKey []byte
	for _, file := range files {
		if strings.ToLower(filepath.Ext(file.Name)) != ".tik" {
			continue
		}
		tikBuf := make([]byte, 0x190)
		offset := int64(file.Entry.DataOffset) + headerSize
		if _, err := f.ReadAt(tikBuf, offset); err != nil {
			break
		}
		encryptedKey := tikBuf[0x180 : 0x180+0x10]

		for _, ncaFile := range files {
			if strings.ToLower(filepath.Ext(ncaFile.Name)) != ".nca" {
				continue
			}
			sr := io.NewSectionReader(f, int64(ncaFile.Entry.DataOffset)+headerSize, int64(ncaFile.Entry.DataSize))
			nca, err := fs.NewNCA(sr)
			if err != nil {
				continue
			}
			keyGen := int(nca.Header.KeyGeneration)
			if nca.Header.KeyGeneration2 > nca.Header.KeyGeneration {
				keyGen = int(nca.Header.KeyGeneration2)
			}
			if keyGen > 0 {
				keyGen--
			}
			if dec, err := keys.DecryptTitleKey(encryptedKey, keyGen); err == nil {
				titleKey = dec
			}
			break
		}
		break
	}

	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file.Name))
		if ext != ".nca" {
			continue
		}
		offset := int64(file.Entry.DataOffset) + headerSize
		sr := io.NewSectionReader(f, offset, int64(file.Entry.DataSize))
		nca, err := fs.NewNCA(sr)
		if err != nil {
			continue
		}
		if nca.Header.ContentType == 0 || nca.Header.ContentType == 5 {
			return nca, titleKey, nil
		}
	}

	return nil, nil, fmt.Errorf("no Program/PublicData NCA found in %s", path)
}
