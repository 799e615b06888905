// Package main (cmd/releasectl) is the command-line client of the release API.
//
//	releasectl --caller=alice create-capsule --puzzle=72h --k=2 --n=3 --secret="..."
//	releasectl --caller=bob solve <unit-id> --out=solution.json
//	releasectl --caller=bob collect <unit-id> --solution-file=solution.json
//
//	releasectl --caller=alice create-deaddrop --lat=52.3676 --lon=4.9041 --radius=50 \
//	    --peers=3 --k=3 --n=5 --secret-file=note.txt
//	releasectl status <unit-id> --lat=52.3680 --lon=4.9041
//	releasectl --caller=carol collect <unit-id> --lat=52.3676 --lon=4.9041 \
//	    --peer=amsterdam-1 --peer=amsterdam-4 --peer=amsterdam-7
package main
