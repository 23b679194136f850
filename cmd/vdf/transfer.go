package main

import (
	"fmt"

	"github.com/ajitpratap0/vdf/pkg/compression"
	"github.com/ajitpratap0/vdf/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func addStorageFlags(fs *pflag.FlagSet) {
	fs.String("region", "", "object store region")
	fs.String("endpoint", "", "object store endpoint (required for minio://)")
	fs.String("access-key", "", "access key id for minio://")
	fs.String("secret-key", "", "secret access key for minio://")
	fs.String("credentials-file", "", "service account file for gs://")
	fs.Bool("use-ssl", true, "use TLS for minio://")
	fs.Int64("part-size", 0, "multipart upload part size in bytes (0 = store default)")
	fs.Int("upload-concurrency", 0, "parallel parts per upload (0 = store default)")
}

func storageOptions(v *viper.Viper) storage.Options {
	return storage.Options{
		Region:          v.GetString("region"),
		Endpoint:        v.GetString("endpoint"),
		AccessKeyID:     v.GetString("access-key"),
		SecretAccessKey: v.GetString("secret-key"),
		CredentialsFile: v.GetString("credentials-file"),
		UseSSL:          v.GetBool("use-ssl"),
		PartSize:        v.GetInt64("part-size"),
		Concurrency:     v.GetInt("upload-concurrency"),
	}
}

// compressorFor returns nil when files are uploaded one by one
func compressorFor(v *viper.Viper) (compression.Compressor, error) {
	name := v.GetString("compress")
	if name == "" {
		return nil, nil
	}
	alg, err := compression.ParseAlgorithm(name)
	if err != nil {
		return nil, err
	}
	level, err := compression.ParseLevel(v.GetString("level"))
	if err != nil {
		return nil, err
	}
	return compression.NewCompressor(&compression.Config{Algorithm: alg, Level: level})
}

func newPushCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <run-dir> <location>",
		Short: "Upload a run directory to S3, GCS, MinIO or a local path",
		Long: `Push uploads a run directory below a storage location. Without --compress
every chunk file is uploaded as its own object and the manifest goes last.
With --compress the run is uploaded as one tar archive.

Example:
  vdf push ./exports/vdf_20240102_150405_3f2a1 s3://vectors/exports --compress zstd
  vdf push ./run minio://vectors/exports --endpoint localhost:9000 --access-key k --secret-key s`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := bind(cmd)
			loc, err := storage.ParseLocation(args[1])
			if err != nil {
				return err
			}
			c, err := compressorFor(v)
			if err != nil {
				return err
			}
			s, err := storage.Open(cmd.Context(), loc, storageOptions(v))
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := storage.Push(cmd.Context(), s, loc, args[0], c)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, key := range res.Keys {
				fmt.Fprintf(out, "%s://%s/%s\n", loc.Scheme, loc.Bucket, key)
			}
			fmt.Fprintf(out, "uploaded %d objects, %d bytes\n", len(res.Keys), res.Bytes)
			return nil
		},
	}
	fs := cmd.Flags()
	addStorageFlags(fs)
	fs.String("compress", "", "upload one archive compressed with zstd, gzip, lz4, s2 or none")
	fs.String("level", compression.Fastest.String(), "compression level: fastest, default, better or best")
	return cmd
}

func newPullCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <location>",
		Short: "Download a run directory or run archive and verify it",
		Long: `Pull downloads a run pushed with vdf push. A location ending in an archive
suffix (.tar.zst, .tar.gz, .tar.lz4, .tar.s2, .tar) is unpacked; any other
location is read as a run prefix. The downloaded run is verified against
its manifest before the command succeeds.

Example:
  vdf pull s3://vectors/exports/vdf_20240102_150405_3f2a1 --dest ./runs
  vdf pull gs://vectors/exports/vdf_20240102_150405_3f2a1.tar.zst`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := bind(cmd)
			loc, err := storage.ParseLocation(args[0])
			if err != nil {
				return err
			}
			s, err := storage.Open(cmd.Context(), loc, storageOptions(v))
			if err != nil {
				return err
			}
			defer s.Close()

			dir, err := storage.Pull(cmd.Context(), s, loc, v.GetString("dest"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
	fs := cmd.Flags()
	addStorageFlags(fs)
	fs.String("dest", ".", "directory to download into")
	return cmd
}
